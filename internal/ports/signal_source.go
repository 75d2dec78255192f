package ports

import (
	"context"
	"time"

	"github.com/hiiliketocode/polycopy/internal/domain"
)

// SignalSource es el feed read-only de señales validadas por el motor de
// paper trading. Este sistema nunca escribe señales, solo las consume.
type SignalSource interface {
	// GetOpenSignals devuelve las señales calificadas dentro de la ventana
	// de recencia, ordenadas de más antigua a más reciente.
	GetOpenSignals(ctx context.Context, since time.Time) ([]domain.Signal, error)
}
