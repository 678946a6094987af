package export

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

const pdfTimeout = 30 * time.Second

var chromeBinaries = []string{"chromium-browser", "chromium", "google-chrome", "google-chrome-stable"}

func chromePath() (string, bool) {
	for _, name := range chromeBinaries {
		if path, err := exec.LookPath(name); err == nil {
			return path, true
		}
	}
	return "", false
}

// letter is US Letter with the summary's print margins, in inches.
var letter = struct{ width, height, top, side float64 }{8.5, 11, 0.5, 0.6}

// exportPDF loads the summary into a blank headless Chrome tab and prints it.
func exportPDF(parent context.Context, html, title string) (*Result, error) {
	binary, ok := chromePath()
	if !ok {
		return nil, fmt.Errorf("%w: chromium not installed", ErrPDFDependencyMissing)
	}

	ctx, cancel := context.WithTimeout(parent, pdfTimeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(binary),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	defer cancelTab()

	var pdf []byte
	err := chromedp.Run(tabCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, html).Do(ctx)
		}),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdf, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(letter.width).
				WithPaperHeight(letter.height).
				WithMarginTop(letter.top).
				WithMarginBottom(letter.top).
				WithMarginLeft(letter.side).
				WithMarginRight(letter.side).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("print pdf: %w", err)
	}
	return &Result{Data: pdf, Filename: sanitizeFilename(title) + ".pdf", MimeType: "application/pdf"}, nil
}

const maxFilenameLength = 60

// sanitizeFilename keeps ASCII letters, digits, '-' and '_'. Spaces become
// hyphens.
func sanitizeFilename(title string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r == ' ':
			return '-'
		default:
			return -1
		}
	}, title)
	if len(name) > maxFilenameLength {
		name = name[:maxFilenameLength]
	}
	if name == "" {
		return "meeting-summary"
	}
	return name
}
