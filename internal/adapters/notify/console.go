package notify

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/hiiliketocode/polycopy/internal/domain"
)

// Console imprime el reporte de operador a stdout.
type Console struct {
	out io.Writer
}

// NewConsole crea un reporter que escribe a stdout.
func NewConsole() *Console {
	return &Console{out: os.Stdout}
}

// NewConsoleWriter crea un reporter para tests.
func NewConsoleWriter(w io.Writer) *Console {
	return &Console{out: w}
}

// Report es el snapshot completo que imprime el modo -report.
type Report struct {
	GeneratedAt time.Time
	// WalletUSDC es el balance on-chain; negativo = no disponible.
	WalletUSDC float64
	Strategies []StrategyReport
}

// StrategyReport agrupa el estado de una estrategia para el reporte.
type StrategyReport struct {
	Strategy   domain.Strategy
	OpenOrders []domain.Order
	Recent     []domain.Order
	Dailies    []domain.DailySummary
}

// PrintReport imprime el snapshot: ledger por estrategia, órdenes abiertas,
// historial reciente y el resumen diario.
func (c *Console) PrintReport(r Report) {
	fmt.Fprintf(c.out, "\n═══ polycopy report — %s ═══\n",
		r.GeneratedAt.Format("2006-01-02 15:04:05 MST"))
	if r.WalletUSDC >= 0 {
		fmt.Fprintf(c.out, "wallet USDC.e: $%.2f\n", r.WalletUSDC)
	}

	c.printLedger(r.Strategies)

	for _, sr := range r.Strategies {
		if len(sr.OpenOrders) > 0 {
			fmt.Fprintf(c.out, "\n── open orders: %s ──\n", sr.Strategy.Name)
			c.printOrders(sr.OpenOrders)
		}
	}

	for _, sr := range r.Strategies {
		if len(sr.Recent) > 0 {
			fmt.Fprintf(c.out, "\n── recent orders: %s ──\n", sr.Strategy.Name)
			c.printOrders(sr.Recent)
		}
		if len(sr.Dailies) > 0 {
			fmt.Fprintf(c.out, "\n── dailies: %s ──\n", sr.Strategy.Name)
			c.printDailies(sr.Dailies)
		}
	}
}

// printLedger imprime la tabla de capital por estrategia.
func (c *Console) printLedger(strategies []StrategyReport) {
	table := tablewriter.NewWriter(c.out)
	table.Header("Strategy", "Cash", "Locked", "Cooldown", "PnL", "Equity", "Cap", "State")

	for _, sr := range strategies {
		s := sr.Strategy
		table.Append(
			s.Name,
			fmt.Sprintf("$%.2f", s.AvailableCash),
			fmt.Sprintf("$%.2f", s.LockedCapital),
			fmt.Sprintf("$%.2f", s.CooldownReserve),
			fmt.Sprintf("$%+.2f", s.RealizedPnL),
			fmt.Sprintf("$%.2f", s.Equity()),
			fmt.Sprintf("$%.2f", s.Capacity()),
			strategyState(s),
		)
	}
	table.Render()
}

func (c *Console) printOrders(orders []domain.Order) {
	table := tablewriter.NewWriter(c.out)
	table.Header("Placed", "Market", "Side", "Status", "Limit", "Size", "Filled", "Locked", "PnL")

	for _, o := range orders {
		pnl := "-"
		if o.Status.Terminal() && o.FilledSize > 0 {
			pnl = fmt.Sprintf("$%+.2f", o.RealizedPnL)
		}
		table.Append(
			o.PlacedAt.Format("01-02 15:04"),
			compactID(o.MarketID, 14),
			o.Side,
			string(o.Status),
			fmt.Sprintf("%.2f", o.LimitPrice),
			fmt.Sprintf("%.0f", o.Size),
			fmt.Sprintf("%.0f", o.FilledSize),
			fmt.Sprintf("$%.2f", o.LockedAmount),
			pnl,
		)
	}
	table.Render()
}

func (c *Console) printDailies(dailies []domain.DailySummary) {
	table := tablewriter.NewWriter(c.out)
	table.Header("Date", "Orders", "Fills", "PnL", "Deployed", "Cash", "Cooldown")

	for _, d := range dailies {
		table.Append(
			d.Date.Format("2006-01-02"),
			fmt.Sprintf("%d", d.OrdersPlaced),
			fmt.Sprintf("%d", d.Fills),
			fmt.Sprintf("$%+.2f", d.RealizedPnL),
			fmt.Sprintf("$%.2f", d.CapitalDeployed),
			fmt.Sprintf("$%.2f", d.AvailableCash),
			fmt.Sprintf("$%.2f", d.CooldownReserve),
		)
	}
	table.Render()
}

// strategyState resume los flags operacionales en una palabra. El breaker
// va primero: un trip nunca debe quedar oculto detrás de otro flag.
func strategyState(s domain.Strategy) string {
	switch {
	case s.Breaker.Tripped:
		return "BREAKER: " + s.Breaker.Reason
	case !s.Active:
		return "inactive"
	case s.Paused:
		return "paused"
	default:
		return "active"
	}
}

// compactID recorta un id largo dejando el prefijo.
func compactID(id string, max int) string {
	if len(id) <= max {
		return id
	}
	return strings.TrimSpace(id[:max-1]) + "…"
}
