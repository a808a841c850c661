package listener

import (
	"fmt"
	"strings"
	"sync"

	"github.com/chzyer/readline"
)

var rl *readline.Instance
var mu sync.Mutex
var holdAsync bool
var heldLines []string

func Init() error {
	var err error
	rl, err = readline.NewEx(&readline.Config{
		Prompt:          "delver> ",
		InterruptPrompt: "",
		EOFPrompt:       "",
	})
	return err
}

func Close() {
	if rl != nil {
		_ = rl.Close()
	}
}

// BeginInteractive holds background output so a prompt exchange isn't
// interleaved with agent progress lines.
func BeginInteractive() {
	mu.Lock()
	holdAsync = true
	mu.Unlock()
}

func EndInteractive() {
	mu.Lock()
	defer mu.Unlock()
	holdAsync = false
	for _, s := range heldLines {
		printUnlocked(s)
	}
	heldLines = nil
	if rl != nil {
		rl.Refresh()
	}
}

func printUnlocked(s string) {
	if rl == nil {
		fmt.Println(s)
		return
	}
	_, _ = rl.Write([]byte("\r\n" + s + "\r\n"))
	rl.Refresh()
}

func GetInput() string {
	line, err := rl.Readline()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(line)
}

func GetConfirmation(prompt string) string {
	mu.Lock()
	old := rl.Config.Prompt
	rl.SetPrompt(prompt)
	mu.Unlock()

	line, err := rl.Readline()
	if err != nil {
		line = ""
	}
	ans := strings.TrimSpace(strings.ToLower(line))

	mu.Lock()
	rl.SetPrompt(old)
	mu.Unlock()
	return ans
}

// AsyncPrintln prints above the live prompt without breaking current input.
// Research sessions progress in the background while the user keeps typing.
func AsyncPrintln(s string) {
	mu.Lock()
	defer mu.Unlock()
	if holdAsync {
		heldLines = append(heldLines, s)
		return
	}
	printUnlocked(s)
}

func AskYesNo(question string) bool {
	BeginInteractive()
	defer EndInteractive()

	mu.Lock()
	printUnlocked(question + " [y/n]")
	mu.Unlock()

	for {
		ans := GetConfirmation("> ")
		if ans == "y" || ans == "yes" {
			return true
		}
		if ans == "n" || ans == "no" {
			return false
		}
		mu.Lock()
		printUnlocked("Please answer y/n.")
		mu.Unlock()
	}
}
