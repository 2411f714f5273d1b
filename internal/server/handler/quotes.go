package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/tickwatch/internal/domain"
)

// QuoteSource returns the latest tick per symbol.
type QuoteSource interface {
	Quotes(ctx context.Context, symbols []string) (map[string]domain.Tick, error)
}

// QuoteHandler serves last-known quotes.
type QuoteHandler struct {
	quotes QuoteSource
	logger *slog.Logger
}

// NewQuoteHandler creates a QuoteHandler.
func NewQuoteHandler(quotes QuoteSource, logger *slog.Logger) *QuoteHandler {
	return &QuoteHandler{quotes: quotes, logger: logger.With(slog.String("handler", "quotes"))}
}

// GetQuotes returns the latest tick for each requested symbol. Symbols with
// no data are listed under "missing".
// GET /api/quotes?symbols=NIFTY,BANKNIFTY
func (h *QuoteHandler) GetQuotes(w http.ResponseWriter, r *http.Request) {
	symbols := splitSymbols(r.URL.Query().Get("symbols"))
	if len(symbols) == 0 {
		writeError(w, http.StatusBadRequest, "symbols query parameter required")
		return
	}
	if len(symbols) > 100 {
		writeError(w, http.StatusBadRequest, "at most 100 symbols per request")
		return
	}

	quotes, err := h.quotes.Quotes(r.Context(), symbols)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: get quotes failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to get quotes")
		return
	}

	missing := []string{}
	for _, sym := range symbols {
		if _, ok := quotes[sym]; !ok {
			missing = append(missing, sym)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"quotes":  quotes,
		"missing": missing,
	})
}
