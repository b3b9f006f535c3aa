package app

import (
	"context"
	"errors"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/purrvoice/internal/config"
	"github.com/MrWong99/purrvoice/internal/observe"
	"github.com/MrWong99/purrvoice/pkg/audio/filter"
)

// onConfigChange applies the hot-reloadable part of a new config: log level,
// mute, loopback and the shared filter chain. Everything else needs a
// restart.
func (a *App) onConfigChange(old, next *config.Config, d config.ConfigDiff) {
	ctx, span := observe.StartSpan(context.Background(), "app.config.reload", trace.WithAttributes(
		attribute.Bool("purrvoice.reload.log_level", d.LogLevelChanged),
		attribute.Bool("purrvoice.reload.muted", d.MutedChanged),
		attribute.Bool("purrvoice.reload.loopback", d.LoopbackChanged),
		attribute.Bool("purrvoice.reload.filters", d.FiltersChanged),
		observe.AttrFilterCount.Int(len(next.Filters)),
	))
	var err error
	defer func() { observe.End(span, err) }()
	log := observe.Logger(ctx, a.log)

	if d.LogLevelChanged {
		a.level.Set(SlogLevel(d.NewLogLevel))
		log.Info("app: log level changed", "level", d.NewLogLevel)
	}

	a.mu.Lock()
	sess := a.sess
	if d.MutedChanged {
		a.muted = d.Muted
	}
	if d.LoopbackChanged {
		a.loopback = d.Loopback
	}
	if d.FiltersChanged {
		a.filters = slices.Clone(next.Filters)
	}
	a.mu.Unlock()

	if sess != nil {
		if d.MutedChanged {
			sess.SetMuted(d.Muted)
		}
		if d.LoopbackChanged {
			sess.SetLoopback(d.Loopback)
		}
	}

	if d.FiltersChanged {
		rep := a.serverFilters
		if sess != nil {
			rep = sess.Replica()
		}
		if rep != nil {
			if err = applyFilterDiff(rep, next.Filters, d); err != nil {
				log.Warn("app: filter changes not applied", "err", err)
			}
		}
	}

	if old.Server.ListenAddr != next.Server.ListenAddr ||
		old.Voice.Codec != next.Voice.Codec ||
		old.Relay.URL != next.Relay.URL {
		span.SetAttributes(attribute.Bool("purrvoice.reload.restart_needed", true))
		log.Warn("app: listener, codec and relay url changes take effect after a restart")
	}
}

// applyFilterDiff brings rep to specs. Added, removed, retyped or reordered
// entries rebuild the chain; strength and parameter edits are applied in
// place so running filters keep their state.
func applyFilterDiff(rep *filter.Replica, specs []filter.Spec, d config.ConfigDiff) error {
	if !rep.IsController() {
		return filter.ErrNotController
	}
	if d.OrderChanged || slices.ContainsFunc(d.FilterChanges, config.FilterDiff.Replaces) {
		return rep.ReplaceAll(specs)
	}

	byID := make(map[string]filter.Spec, len(specs))
	for _, s := range specs {
		byID[s.ID] = s
	}
	var errs []error
	for _, fd := range d.FilterChanges {
		s := byID[fd.ID]
		if fd.StrengthChanged {
			errs = append(errs, rep.SetStrength(fd.ID, s.Strength))
		}
		if fd.ParamsChanged {
			errs = append(errs, rep.SetParams(fd.ID, s.Params))
		}
	}
	return errors.Join(errs...)
}
