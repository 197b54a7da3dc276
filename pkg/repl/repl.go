package repl

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/chzyer/readline"
)

type REPL struct {
	Commands map[string]func(string, *REPLConfig) error
	Help     map[string]string
}

type REPLConfig struct {
	Writer io.Writer
}

func NewRepl() *REPL {
	return &REPL{make(map[string]func(string, *REPLConfig) error), make(map[string]string)}
}

// Add a command, along with its help string, to the set of commands
func (r *REPL) AddCommand(trigger string, handler func(string, *REPLConfig) error, help string) {
	if trigger == "" || trigger[0] == '.' {
		return
	}
	r.Help[trigger] = help
	r.Commands[trigger] = handler
}

// Return all REPL usage information as a string
func (r *REPL) HelpString() string {
	var sb strings.Builder
	sb.WriteString("Commands\n")
	triggers := make([]string, 0, len(r.Help))
	for k := range r.Help {
		triggers = append(triggers, k)
	}
	sort.Strings(triggers)
	for _, k := range triggers {
		sb.WriteString(fmt.Sprintf("\t%s: %s\n", k, r.Help[k]))
	}
	return sb.String()
}

// Run reads commands until EOF or interrupt.
func (r *REPL) Run(prompt string) error {
	items := make([]readline.PrefixCompleterInterface, 0, len(r.Commands))
	for trigger := range r.Commands {
		items = append(items, readline.PcItem(trigger))
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:       prompt,
		AutoComplete: readline.NewPrefixCompleter(items...),
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	replConfig := &REPLConfig{Writer: rl.Stdout()}

	for {
		line, err := rl.Readline()
		if err != nil { // io.EOF or readline.ErrInterrupt
			return nil
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		command := strings.Split(input, " ")[0]
		if command == "help" {
			io.WriteString(replConfig.Writer, r.HelpString())
			continue
		}
		handler, ok := r.Commands[command]
		if !ok {
			io.WriteString(replConfig.Writer, fmt.Sprintf("Invalid command: %s\n", command))
			io.WriteString(replConfig.Writer, r.HelpString())
			continue
		}
		if err := handler(input, replConfig); err != nil {
			io.WriteString(replConfig.Writer, fmt.Sprintf("Error: %v\n", err))
		}
	}
}
