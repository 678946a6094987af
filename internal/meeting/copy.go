package meeting

import (
	"hash/fnv"
	"math/rand/v2"
	"time"
)

// Greeting is the word a team says hello with during check-in.
type Greeting struct {
	Content  string `json:"content"`
	Language string `json:"language"`
}

var greetings = []Greeting{
	{Content: "Hello", Language: "English"},
	{Content: "Bonjour", Language: "French"},
	{Content: "Hola", Language: "Spanish"},
	{Content: "Ciao", Language: "Italian"},
	{Content: "Hallo", Language: "German"},
	{Content: "Olá", Language: "Portuguese"},
	{Content: "Hej", Language: "Swedish"},
	{Content: "Ahoj", Language: "Czech"},
	{Content: "Merhaba", Language: "Turkish"},
	{Content: "Jambo", Language: "Swahili"},
	{Content: "Kia ora", Language: "Māori"},
	{Content: "Aloha", Language: "Hawaiian"},
	{Content: "Sawubona", Language: "Zulu"},
	{Content: "Namaste", Language: "Hindi"},
	{Content: "Sveiki", Language: "Latvian"},
	{Content: "Tere", Language: "Estonian"},
}

var checkInQuestions = []string{
	"What’s got your attention today, and why?",
	"What is something you are looking forward to?",
	"What did you learn this week?",
	"What is one thing that would make today great?",
	"What is getting in your way right now?",
	"Who deserves a shout-out this week?",
	"What are you curious about lately?",
	"How full is your cup today?",
	"What was the best part of your weekend?",
	"What is one thing you want to get better at?",
	"What is something you are proud of this week?",
	"What would you do with an extra hour today?",
}

var successExpressions = []string{
	"Fantastic", "Amazing", "Superb", "Brilliant", "Excellent", "Outstanding", "Terrific", "Bravo",
}

var successStatements = []string{
	"rocked that meeting",
	"got it done",
	"kept the work moving",
	"made some real progress",
	"are on a roll",
	"showed what a team can do",
}

// WeekOfYear is the ISO week used to rotate check-in copy.
func WeekOfYear(t time.Time) int {
	_, week := t.ISOWeek()
	return week
}

// CheckInGreeting picks the greeting for a team in a given week. The same team
// gets the same greeting all week, and neighbouring teams get different ones.
func CheckInGreeting(week int, teamID string) Greeting {
	return greetings[rotate(week, teamID, len(greetings))]
}

// CheckInQuestion picks the check-in prompt for a team in a given week.
func CheckInQuestion(week int, teamID string) string {
	return checkInQuestions[rotate(week, teamID, len(checkInQuestions))]
}

func rotate(week int, seed string, size int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(seed))
	return int((uint32(week) + h.Sum32()) % uint32(size))
}

// SuccessExpression is the exclamation shown on a meeting summary.
func SuccessExpression(rng *rand.Rand) string {
	return pick(successExpressions, rng)
}

// SuccessStatement completes "You ..." on a meeting summary.
func SuccessStatement(rng *rand.Rand) string {
	return pick(successStatements, rng)
}

func pick(options []string, rng *rand.Rand) string {
	if rng == nil {
		return options[rand.IntN(len(options))]
	}
	return options[rng.IntN(len(options))]
}
