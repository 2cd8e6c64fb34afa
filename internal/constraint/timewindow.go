package constraint

import (
	"fmt"
	"log/slog"

	"github.com/aegisproxy/aegis/internal/decision"
	"github.com/aegisproxy/aegis/internal/directive"
)

// TimeWindow admits requests only inside the directive's HH:MM-HH:MM
// range, evaluated against the request's own timestamp. Windows that
// cross midnight (e.g. 22:00-06:00) wrap.
type TimeWindow struct {
	logger *slog.Logger
}

// NewTimeWindow creates the time-window admission processor.
func NewTimeWindow(logger *slog.Logger) *TimeWindow {
	if logger == nil {
		logger = slog.Default()
	}
	return &TimeWindow{logger: logger.With("component", "constraint.TimeWindow")}
}

func (t *TimeWindow) Name() string { return "time_window" }

func (t *TimeWindow) CanProcess(f directive.Family) bool {
	return f == directive.FamilyTimeWindow
}

func (t *TimeWindow) Admit(dctx *decision.Context, dir string) error {
	window, err := directive.ParseTimeWindow(dir)
	if err != nil {
		return decision.NewError(decision.CodeConstraintViolated,
			fmt.Sprintf("malformed time-window directive %q", dir))
	}
	start, end, err := decision.ParseHourWindow(window)
	if err != nil {
		return decision.NewError(decision.CodeConstraintViolated,
			fmt.Sprintf("malformed time-window directive %q", dir))
	}

	minutes := dctx.Time.Hour()*60 + dctx.Time.Minute()
	within := minutes >= start && minutes < end
	if start > end {
		within = minutes >= start || minutes < end
	}
	if within {
		return nil
	}

	t.logger.Info("request outside permitted time window",
		"agent", dctx.Agent,
		"window", window,
		"time", dctx.Time.Format("15:04"),
	)
	return decision.NewError(decision.CodeConstraintViolated,
		fmt.Sprintf("request outside permitted window %s", window)).
		WithDetail("window", window).
		WithDetail("request_time", dctx.Time.Format("15:04"))
}
