// kaa-cli is interactive Kaa-TCP console for server debugging.
package main

import (
	"encoding/hex"
	"flag"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/kaa-endpoint/helpers/cli"
	"github.com/temoto/kaa-endpoint/kaatcp"
	"github.com/temoto/kaa-endpoint/log2"
	"github.com/temoto/kaa-endpoint/tcpchannel"
)

const usage = `syntax: commands separated by whitespace
(main)
- connect       send CONNECT with empty payload
- connect=XX... send CONNECT with payload from hex
- sync=XX...    send KAASYNC request with payload from hex
- ping          send PINGREQ
- disconnect    send DISCONNECT
- sN            pause N milliseconds
- @XX...        transmit raw bytes from hex

(meta)
- log=yes  enable debug logging
- log=no   disable debug logging
- loop=N   repeat N times all commands on this line
`

var log = log2.NewStderr(log2.LDebug)

type action func(w io.Writer) error

type session struct {
	keepalive uint16
	messageID uint16
}

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	server := cmdline.String("server", "localhost:9888", "Kaa operations or bootstrap server host:port")
	keepalive := cmdline.Uint("keepalive", 60, "CONNECT keepalive seconds")
	_ = cmdline.Parse(os.Args[1:])

	log.SetFlags(log2.LInteractiveFlags)

	conn, err := net.DialTimeout("tcp", *server, 10*time.Second)
	if err != nil {
		log.Fatal(errors.ErrorStack(errors.Annotatef(err, "dial %s", *server)))
	}
	defer conn.Close()
	go receive(conn)

	s := &session{keepalive: uint16(*keepalive)}
	cli.MainLoop("kaa-cli", newExecutor(s, conn), newCompleter(), func() { _ = conn.Close() })
}

type printer struct{}

func (printer) OnConnack(m kaatcp.Connack)       { log.Infof("< %s", m) }
func (printer) OnDisconnect(m kaatcp.Disconnect) { log.Infof("< %s", m) }
func (printer) OnKaaSync(m *kaatcp.KaaSync)      { log.Infof("< %s payload=%x", m, m.Payload) }
func (printer) OnPingResp()                      { log.Infof("< %s", kaatcp.PingResp{}) }

func receive(r io.Reader) {
	parser := kaatcp.NewParser(printer{}, kaatcp.ParserOptions{Log: log})
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			log.Debugf("recv %x", buf[:n])
			if perr := parser.ProcessBuffer(buf[:n]); perr != nil {
				log.Errorf("parse: %v", perr)
				parser.Reset()
			}
		}
		if err != nil {
			log.Errorf("connection closed: %v", err)
			os.Exit(1)
		}
	}
}

func newCompleter() func(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "connect", Description: "send CONNECT"},
		{Text: "sync=", Description: "send KAASYNC request, payload hex"},
		{Text: "ping", Description: "send PINGREQ"},
		{Text: "disconnect", Description: "send DISCONNECT"},
		{Text: "sN", Description: "pause for N ms"},
		{Text: "loop=N", Description: "repeat line N times"},
		{Text: "@XX", Description: "transmit raw bytes"},
	}

	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterFuzzy(suggests, d.GetWordBeforeCursor(), true)
	}
}

func newExecutor(s *session, w io.Writer) func(string) {
	return func(line string) {
		actions, err := s.parseLine(line)
		if err != nil {
			log.Error(errors.ErrorStack(err))
			return
		}
		for _, a := range actions {
			if err = a(w); err != nil {
				log.Error(errors.ErrorStack(err))
				return
			}
		}
	}
}

func (s *session) parseLine(line string) ([]action, error) {
	words := strings.Fields(line)
	if len(words) == 0 {
		return nil, nil
	}

	// pre-parse special commands
	loopn := uint64(0)
	wordsRest := make([]string, 0, len(words))
	for _, word := range words {
		switch {
		case word == "help":
			return []action{func(io.Writer) error { log.Info(usage); return nil }}, nil
		case strings.HasPrefix(word, "loop="):
			if loopn != 0 {
				return nil, errors.Errorf("multiple loop commands, expected at most one")
			}
			i, err := strconv.ParseUint(word[5:], 10, 32)
			if err != nil {
				return nil, errors.Annotatef(err, "word=%s", word)
			}
			loopn = i
		default:
			wordsRest = append(wordsRest, word)
		}
	}

	seq := make([]action, 0, len(wordsRest))
	for _, word := range wordsRest {
		a, err := s.parseCommand(word)
		if err != nil {
			return nil, err
		}
		seq = append(seq, a)
	}
	if loopn == 0 {
		return seq, nil
	}
	result := make([]action, 0, len(seq)*int(loopn))
	for i := uint64(0); i < loopn; i++ {
		result = append(result, seq...)
	}
	return result, nil
}

func (s *session) parseCommand(word string) (action, error) {
	switch {
	case word == "log=yes":
		return func(io.Writer) error { log.SetLevel(log2.LDebug); return nil }, nil
	case word == "log=no":
		return func(io.Writer) error { log.SetLevel(log2.LInfo); return nil }, nil
	case word == "connect" || strings.HasPrefix(word, "connect="):
		payload, err := hexArg(word, "connect=")
		if err != nil {
			return nil, err
		}
		return send(&kaatcp.Connect{
			Keepalive:      s.keepalive,
			NextProtocolID: tcpchannel.PlatformProtocolID,
			Payload:        payload,
		}), nil
	case strings.HasPrefix(word, "sync="):
		payload, err := hexArg(word, "sync=")
		if err != nil {
			return nil, err
		}
		return func(w io.Writer) error {
			s.messageID++
			return send(&kaatcp.KaaSync{MessageID: s.messageID, Request: true, Payload: payload})(w)
		}, nil
	case word == "ping":
		return send(kaatcp.PingReq{}), nil
	case word == "disconnect":
		return send(kaatcp.Disconnect{Reason: kaatcp.DisconnectNone}), nil
	case word[0] == 's':
		i, err := strconv.ParseUint(word[1:], 10, 32)
		if err != nil {
			return nil, errors.Annotatef(err, "word=%s", word)
		}
		return func(io.Writer) error { time.Sleep(time.Duration(i) * time.Millisecond); return nil }, nil
	case word[0] == '@':
		b, err := hex.DecodeString(word[1:])
		if err != nil {
			return nil, errors.Annotatef(err, "word=%s", word)
		}
		return func(w io.Writer) error {
			log.Debugf("> %x", b)
			_, err := w.Write(b)
			return errors.Annotate(err, "send")
		}, nil
	default:
		return nil, errors.Errorf("error: invalid command: '%s'", word)
	}
}

func hexArg(word, prefix string) ([]byte, error) {
	if !strings.HasPrefix(word, prefix) {
		return nil, nil
	}
	b, err := hex.DecodeString(word[len(prefix):])
	return b, errors.Annotatef(err, "word=%s", word)
}

func send(m kaatcp.Message) action {
	return func(w io.Writer) error {
		b, err := kaatcp.Marshal(m)
		if err != nil {
			return err
		}
		log.Infof("> %s", m)
		_, err = w.Write(b)
		return errors.Annotatef(err, "send %s", m)
	}
}
