package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

const docxMimeType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

func pandocArgs(title string) []string {
	return []string{"--from=html", "--to=docx", "--standalone", "--metadata=title:" + title, "--output=-"}
}

// exportDOCX pipes the summary HTML through pandoc.
func exportDOCX(ctx context.Context, html, title string) (*Result, error) {
	binary, err := exec.LookPath("pandoc")
	if err != nil {
		return nil, fmt.Errorf("%w: pandoc not installed", ErrDOCXDependencyMissing)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, pandocArgs(title)...)
	cmd.Stdin = strings.NewReader(html)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("pandoc exited %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("run pandoc: %w", err)
	}
	return &Result{Data: stdout.Bytes(), Filename: sanitizeFilename(title) + ".docx", MimeType: docxMimeType}, nil
}
