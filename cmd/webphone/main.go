// Webphone — интерактивный SIP клиент.
//
// Команды вводятся в терминале: connect, disconnect, dial <номер>,
// hangup, digit <цифра>, status, log, quit. Учетные данные берутся из
// окружения (WEBPHONE_*), недостающие запрашиваются интерактивно.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"

	"github.com/arzzra/webphone/pkg/phone"
	"github.com/arzzra/webphone/pkg/sipengine"
)

var version = "dev"

func main() {
	cfg, err := loadConfig()
	if err != nil {
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.slogLevel(),
	})))

	pterm.Info.Println(fmt.Sprintf("Webphone — v%s", version))
	pterm.Println()

	promptMissing(&cfg)

	engine, err := sipengine.New(sipengine.Config{
		IdentityURI: cfg.IdentityURI,
		DisplayName: cfg.DisplayName,
		Secret:      cfg.Secret,
		ListenAddr:  cfg.ListenAddr,
	})
	if err != nil {
		pterm.Error.Println("failed to create signaling engine: " + err.Error())
		os.Exit(1)
	}

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	p := phone.New(engine)
	p.Connection().OnStateChange(func(state phone.ConnectionState) {
		pterm.Info.Println("connection: " + string(state))
	})
	p.Calls().OnStateChange(func(state phone.CallState) {
		pterm.Info.Println("call: " + string(state))
	})

	runLoop(p, cfg)

	p.Disconnect()
	pterm.Success.Println("bye")
}

// promptMissing дозапрашивает обязательные параметры, не заданные
// переменными окружения
func promptMissing(cfg *appConfig) {
	if cfg.TransportURI == "" {
		cfg.TransportURI = askText("Transport URI (e.g. wss://sip.example.com:7443)")
	}
	if cfg.IdentityURI == "" {
		cfg.IdentityURI = askText("Identity URI (e.g. sip:alice@example.com)")
	}
	if cfg.Secret == "" {
		cfg.Secret = askSecret("Password")
	}
}

func runLoop(p *phone.Phone, cfg appConfig) {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("webphone").
			Show()

		cmd, arg := splitCommand(raw)

		switch cmd {
		case "":
			continue

		case "connect":
			err := p.Connect(phone.Credentials{
				TransportURI: cfg.TransportURI,
				IdentityURI:  cfg.IdentityURI,
				DisplayName:  cfg.DisplayName,
				Secret:       cfg.Secret,
			})
			reportResult(err)

		case "disconnect":
			p.Disconnect()

		case "dial":
			reportResult(p.Dial(arg))

		case "hangup":
			p.Hangup()

		case "digit":
			if len(arg) != 1 {
				pterm.Warning.Println("usage: digit <0-9, * or #>")
				continue
			}
			reportResult(p.SendDigit(rune(arg[0])))

		case "status":
			printStatus(p)

		case "log":
			printLog(p)

		case "quit", "exit":
			return

		default:
			pterm.Warning.Println("commands: connect, disconnect, dial <number>, hangup, digit <d>, status, log, quit")
		}
	}
}

func printStatus(p *phone.Phone) {
	rows := pterm.TableData{
		{"connection", string(p.ConnectionState())},
		{"call", string(p.CallState())},
		{"usable", fmt.Sprintf("%t", p.IsUsable())},
	}
	if err := pterm.DefaultTable.WithData(rows).Render(); err != nil {
		pterm.Error.Println(err.Error())
	}
}

func printLog(p *phone.Phone) {
	entries := p.Log().Entries()
	if len(entries) == 0 {
		pterm.Info.Println("activity log is empty")
		return
	}
	for _, entry := range entries {
		pterm.Println(entry.Timestamp.Format("15:04:05") + "  " + entry.Message)
	}
}

func reportResult(err error) {
	if err != nil {
		pterm.Error.Println(err.Error())
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	slog.Info("serving metrics", slog.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("metrics server failed", slog.Any("error", err))
	}
}

func splitCommand(raw string) (string, string) {
	fields := strings.Fields(strings.TrimSpace(raw))
	if len(fields) == 0 {
		return "", ""
	}
	return fields[0], strings.Join(fields[1:], " ")
}

func askText(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()
		if trimmed := strings.TrimSpace(raw); trimmed != "" {
			return trimmed
		}
	}
}

func askSecret(prompt string) string {
	raw, _ := pterm.DefaultInteractiveTextInput.
		WithMask("*").
		WithDefaultText(prompt).
		Show()
	return strings.TrimSpace(raw)
}
