// Package cli runs interactive line oriented tools.
package cli

import (
	"bufio"
	"os"
	"os/signal"
	"syscall"

	"github.com/c-bata/go-prompt"
	"github.com/mattn/go-isatty"
)

// MainLoop reads commands from terminal with completion,
// or line by line from non-interactive stdin. onSignal runs before exit.
func MainLoop(tag string, exec func(line string), complete func(d prompt.Document) []prompt.Suggest, onSignal func()) {
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		for range signalCh {
			if onSignal != nil {
				onSignal()
			}
			os.Exit(1)
		}
	}()

	if isatty.IsTerminal(os.Stdin.Fd()) {
		prompt.New(exec, complete, prompt.OptionPrefix(tag+"> "), prompt.OptionTitle(tag)).Run()
	} else {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			exec(scanner.Text())
		}
	}
}
