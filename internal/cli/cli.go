// Package cli parses the autoeval command line.
package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/workflow"
)

type Command string

const (
	CommandRun       Command = "run"
	CommandPause     Command = "pause"
	CommandResume    Command = "resume"
	CommandStop      Command = "stop"
	CommandStatus    Command = "status"
	CommandListen    Command = "listen"
	CommandResults   Command = "results"
	CommandClear     Command = "clear"
	CommandCalibrate Command = "calibrate"
	CommandDevices   Command = "devices"
	CommandDoctor    Command = "doctor"
	CommandVersion   Command = "version"
	CommandHelp      Command = "help"
)

var validCommands = map[Command]struct{}{
	CommandRun:       {},
	CommandPause:     {},
	CommandResume:    {},
	CommandStop:      {},
	CommandStatus:    {},
	CommandListen:    {},
	CommandResults:   {},
	CommandClear:     {},
	CommandCalibrate: {},
	CommandDevices:   {},
	CommandDoctor:    {},
	CommandVersion:   {},
	CommandHelp:      {},
}

type Parsed struct {
	Command    Command
	ConfigPath string
	PlanPath   string
	Task       string
	OnExisting workflow.ConflictChoice
	ShowHelp   bool
}

// Parse accepts flags before or after the single command word.
func Parse(args []string) (Parsed, error) {
	parsed := Parsed{Command: CommandHelp, ShowHelp: true}
	seenCommand := false

	for i := 0; i < len(args); i++ {
		arg := args[i]

		switch arg {
		case "-h", "--help":
			parsed.ShowHelp = true
			parsed.Command = CommandHelp
			return parsed, nil
		case "--version":
			parsed.ShowHelp = false
			parsed.Command = CommandVersion
		case "--config", "--plan", "--task", "--on-existing":
			i++
			if i >= len(args) || strings.HasPrefix(args[i], "-") {
				return Parsed{}, fmt.Errorf("%s requires a value", arg)
			}
			if err := parsed.setFlag(arg, args[i]); err != nil {
				return Parsed{}, err
			}
		default:
			if strings.HasPrefix(arg, "-") {
				return Parsed{}, fmt.Errorf("unknown flag: %s", arg)
			}
			if seenCommand {
				return Parsed{}, fmt.Errorf("unexpected argument %q after command %q", arg, parsed.Command)
			}

			cmd := Command(arg)
			if _, ok := validCommands[cmd]; !ok {
				return Parsed{}, fmt.Errorf("unknown command: %s", arg)
			}
			seenCommand = true
			parsed.Command = cmd
			parsed.ShowHelp = cmd == CommandHelp
		}
	}

	if err := parsed.validate(); err != nil {
		return Parsed{}, err
	}
	return parsed, nil
}

func (p *Parsed) setFlag(name, value string) error {
	switch name {
	case "--config":
		p.ConfigPath = value
	case "--plan":
		p.PlanPath = value
	case "--task":
		p.Task = strings.TrimSpace(value)
	case "--on-existing":
		choice, ok := workflow.ParseConflictChoice(value)
		if !ok || choice == workflow.ChoiceAsk {
			return fmt.Errorf("--on-existing must be cancel, overwrite, or append (got %q)", value)
		}
		p.OnExisting = choice
	}
	return nil
}

func (p Parsed) validate() error {
	switch p.Command {
	case CommandRun:
		if p.PlanPath == "" {
			return errors.New("run requires --plan")
		}
	case CommandClear:
		if p.Task == "" {
			return errors.New("clear requires --task")
		}
	}
	if p.OnExisting != workflow.ChoiceAsk && p.Command != CommandRun {
		return fmt.Errorf("--on-existing only applies to run")
	}
	return nil
}

func HelpText(binaryName string) string {
	return fmt.Sprintf(`Usage:
  %[1]s [--config PATH] <command> [flags]

Commands:
  run        Run the test plan given by --plan in the foreground
  pause      Pause the active run
  resume     Resume a paused run
  stop       Stop the active run and keep resolved results
  status     Print the active run state and progress
  listen     Recognize one utterance from the microphone
  results    Print stored results for --task, or list tasks
  clear      Delete stored results for --task
  calibrate  Derive a match threshold from one camera snapshot
  devices    List available input devices
  doctor     Run configuration and environment checks
  version    Print version information
  help       Show this help

Flags:
  --config PATH        Config file path (default: $XDG_CONFIG_HOME/autoeval/config.yaml)
  --plan PATH          Test plan file (YAML) for run
  --task ID            Task id for results and clear
  --on-existing MODE   cancel, overwrite, or append when the task already has results
  -h, --help           Show help
  --version            Show version
`, binaryName)
}
