package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"almacen/internal/apiclient"
	"almacen/internal/config"
	"almacen/internal/domain"
	"almacen/internal/intake"
	"almacen/internal/scan"
)

const directoryTTL = time.Minute

var clientFlags = []cli.Flag{
	&cli.StringFlag{Name: "base-url", Usage: "API base URL", EnvVars: []string{"ALMACEN_URL"}},
	&cli.StringFlag{Name: "token", Usage: "session token", EnvVars: []string{"ALMACEN_TOKEN"}},
}

func withClientFlags(flags ...cli.Flag) []cli.Flag {
	return append(append([]cli.Flag{}, clientFlags...), flags...)
}

var deviceFlag = &cli.StringFlag{Name: "device", Usage: "scanner device path; stdin when empty", EnvVars: []string{"ALMACEN_SCANNER"}}

var ticketFlag = &cli.Int64Flag{Name: "ticket", Aliases: []string{"t"}, Usage: "ticket id", Required: true}

type clientEnv struct {
	cfg  *config.Config
	log  *slog.Logger
	dir  *apiclient.Directory
	ctrl *intake.Controller
}

func newClientEnv(c *cli.Context) (*clientEnv, error) {
	cfg, log, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	cl, err := apiclient.New(apiclient.Config{
		BaseURL:    cfg.Client.BaseURL,
		Token:      cfg.Client.Token,
		HTTPClient: &http.Client{Timeout: cfg.Client.Timeout},
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}
	dir := apiclient.NewDirectory(cl, directoryTTL)
	return &clientEnv{cfg: cfg, log: log, dir: dir, ctrl: intake.NewController(dir, log)}, nil
}

// scanInto читает коды до конца ввода и раскладывает их по режиму mode
func (e *clientEnv) scanInto(c *cli.Context, mode scan.Mode) error {
	dev := &scan.LineDevice{Path: c.String("device")}
	if dev.Path == "" {
		dev.Reader = os.Stdin
		fmt.Fprintln(os.Stderr, "Escanee los códigos (una línea por código, Ctrl-D para terminar):")
	}
	s := scan.NewScanner(dev, scan.TextDecoder{},
		scan.WithRetry(e.cfg.Scan.MaxAttempts, e.cfg.Scan.RetryDelay), scan.WithLogger(e.log))

	sess, err := s.Start(c.Context, mode, e.ctrl.ScanHandler(scanPrinter(os.Stderr)))
	if err != nil {
		var de *scan.DeviceError
		if errors.As(err, &de) {
			return cli.Exit(de.Remediation(), 2)
		}
		return err
	}
	return sess.Wait()
}

func ticketsCommand() *cli.Command {
	return &cli.Command{
		Name:  "tickets",
		Usage: "list tickets visible to the current user",
		Flags: withClientFlags(&cli.StringFlag{Name: "estado", Usage: "pendiente, entregado, devuelto, cancelado"}),
		Action: func(c *cli.Context) error {
			e, err := newClientEnv(c)
			if err != nil {
				return err
			}
			list, err := e.dir.ListTickets(c.Context, domain.TicketStatus(c.String("estado")))
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNUMERO\tESTADO\tORDEN\tSOLICITANTE\tITEMS\tACCIONES")
			for _, t := range list {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n", t.ID, t.Number, t.Status, t.ProductionOrder,
					t.RequesterName, itemsSummary(t.Items), actionsSummary(t.Actions))
			}
			return w.Flush()
		},
	}
}

func requestCommand() *cli.Command {
	return &cli.Command{
		Name:  "request",
		Usage: "scan tools and submit a withdrawal ticket",
		Flags: withClientFlags(
			deviceFlag,
			&cli.StringFlag{Name: "orden", Usage: "production order", Required: true},
			&cli.StringFlag{Name: "justificacion", Usage: "justification", Required: true},
		),
		Action: func(c *cli.Context) error {
			e, err := newClientEnv(c)
			if err != nil {
				return err
			}
			if err := e.scanInto(c, scan.ModeCreateTicket); err != nil {
				return err
			}
			for _, it := range e.ctrl.Draft().Items() {
				fmt.Fprintf(os.Stderr, "  %s x%d (%s)\n", it.Product.Name, it.Count, it.Subtotal().StringFixed(2))
			}
			t, err := e.ctrl.SubmitDraft(c.Context, c.String("orden"), c.String("justificacion"))
			if err != nil {
				return err
			}
			fmt.Printf("Ticket %s creado (%s)\n", t.Number, t.Status)
			return nil
		},
	}
}

func returnCommand() *cli.Command {
	return &cli.Command{
		Name:  "return",
		Usage: "scan returned tools and register them against a delivered ticket",
		Flags: withClientFlags(
			deviceFlag,
			ticketFlag,
			&cli.Int64SliceFlag{Name: "mal", Usage: "product ids returned in bad condition"},
		),
		Action: func(c *cli.Context) error {
			e, err := newClientEnv(c)
			if err != nil {
				return err
			}
			if err := e.ctrl.BeginReturn(c.Int64("ticket")); err != nil {
				return err
			}
			if err := e.scanInto(c, scan.ModeReturnBatch); err != nil {
				return err
			}
			for _, id := range c.Int64Slice("mal") {
				if err := e.ctrl.Returns().SetCondition(id, domain.ConditionBad); err != nil {
					return fmt.Errorf("producto %d: %w", id, err)
				}
			}
			rep, err := e.ctrl.SubmitReturns(c.Context, c.Int64("ticket"))
			if err != nil {
				return err
			}
			fmt.Printf("Devueltas %d unidades (%d buen estado, %d mal estado)\n", rep.SucceededUnits, rep.GoodUnits, rep.BadUnits)
			if rep.Ticket != nil {
				fmt.Printf("Ticket %s: %s\n", rep.Ticket.Number, rep.Ticket.Status)
			}
			if rep.FailedUnits == 0 {
				return nil
			}
			for _, f := range rep.Failures {
				fmt.Fprintf(os.Stderr, "  ✗ %s x%d: %v\n", f.ProductName, f.Units, f.Err)
			}
			return cli.Exit(fmt.Sprintf("%d unidades no se pudieron devolver", rep.FailedUnits), 1)
		},
	}
}

func deliverCommand() *cli.Command {
	return &cli.Command{
		Name:      "deliver",
		Usage:     "deliver a pending ticket (admin)",
		ArgsUsage: "ITEM_ID=CANTIDAD...",
		Flags: withClientFlags(
			ticketFlag,
			&cli.StringFlag{Name: "comentarios", Usage: "delivery comments"},
		),
		Action: func(c *cli.Context) error {
			items, err := parseDeliverItems(c.Args().Slice())
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}
			e, err := newClientEnv(c)
			if err != nil {
				return err
			}
			t, n, err := e.ctrl.Deliver(c.Context, c.Int64("ticket"), items, c.String("comentarios"))
			if err != nil {
				return err
			}
			fmt.Printf("Ticket %s entregado: %d unidades\n", t.Number, n)
			return nil
		},
	}
}

func cancelCommand() *cli.Command {
	return &cli.Command{
		Name:  "cancel",
		Usage: "cancel your own pending ticket",
		Flags: withClientFlags(ticketFlag),
		Action: func(c *cli.Context) error {
			e, err := newClientEnv(c)
			if err != nil {
				return err
			}
			t, err := e.ctrl.Cancel(c.Context, c.Int64("ticket"))
			if err != nil {
				return err
			}
			fmt.Printf("Ticket %s cancelado\n", t.Number)
			return nil
		},
	}
}

// scanPrinter печатает результат каждого скана; неизвестный код не прерывает сканирование
func scanPrinter(w io.Writer) intake.ScanReport {
	return func(code string, p *domain.Product, err error) {
		if err != nil {
			fmt.Fprintf(w, "  ✗ %s: %v\n", code, err)
			return
		}
		fmt.Fprintf(w, "  ✓ %s\n", p.Name)
	}
}

func parseDeliverItems(args []string) ([]apiclient.DeliverItem, error) {
	if len(args) == 0 {
		return nil, errors.New("indique al menos un ITEM_ID=CANTIDAD")
	}
	out := make([]apiclient.DeliverItem, 0, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok {
			return nil, fmt.Errorf("argumento inválido %q, se espera ITEM_ID=CANTIDAD", a)
		}
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("item inválido %q", k)
		}
		qty, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cantidad inválida %q", v)
		}
		out = append(out, apiclient.DeliverItem{ItemID: id, Quantity: qty})
	}
	return out, nil
}

func itemsSummary(items []domain.LineItem) string {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		parts = append(parts, fmt.Sprintf("%s %d/%d/%d", it.ProductName, it.Requested, it.Delivered, it.Returned))
	}
	return strings.Join(parts, ", ")
}

func actionsSummary(actions []domain.Action) string {
	if len(actions) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(actions))
	for _, a := range actions {
		parts = append(parts, string(a))
	}
	return strings.Join(parts, ",")
}
