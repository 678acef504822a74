package osd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"

	"github.com/user/osd/internal/mapstore"
	"github.com/user/osd/internal/metrics"
	"github.com/user/osd/internal/msg"
	"github.com/user/osd/internal/objectstore"
	"github.com/user/osd/internal/osdmap"
	"github.com/user/osd/internal/pg"
)

// CreateInfo asks for a pg to be created as of Epoch.
type CreateInfo struct {
	PGID    osdmap.SPGID
	Epoch   osdmap.Epoch
	History msg.PGHistory
	// ByMon is set for requests from the monitor, as opposed to creations
	// inferred from a peer's notify or info.
	ByMon bool
}

// GetOrCreatePG returns the future of pgid. With info set and no entry yet,
// it starts the creation workflow; concurrent callers share that one
// creation and resolve to the same handle.
func (o *OSD) GetOrCreatePG(pgid osdmap.SPGID, info *CreateInfo) pg.Future {
	fut, won := o.pgs.GetOrCreate(pgid, info != nil)
	switch {
	case won:
		ci := *info
		if !o.spawn(func(ctx context.Context) {
			if err := o.handlePGCreateInfo(ctx, ci); err != nil {
				o.fail(fmt.Errorf("create pg %s: %w", pgid, err))
			}
		}) {
			o.pgs.Abort(pgid)
		}
	case info != nil:
		metrics.RecordPGCreate("joined")
	}
	return fut
}

// WaitForPG returns the future of pgid without requesting its creation.
func (o *OSD) WaitForPG(pgid osdmap.SPGID) pg.Future {
	return o.pgs.WaitFor(pgid)
}

// PGs returns every hosted pg ordered by id.
func (o *OSD) PGs() []*pg.PG { return o.pgs.PGs() }

// PG returns the hosted pg pgid.
func (o *OSD) PG(pgid osdmap.SPGID) (*pg.PG, bool) { return o.pgs.Get(pgid) }

// handlePGCreateInfo runs the creation workflow of a pg whose directory entry
// this caller moved to creating. It returns an error only when the node
// cannot continue; a dropped request returns the entry to absent.
func (o *OSD) handlePGCreateInfo(ctx context.Context, info CreateInfo) error {
	pgid := info.PGID
	ctx, span := tracer.Start(ctx, "osd.create_pg")
	defer span.End()
	span.SetAttributes(attribute.String("osd.pgid", pgid.String()), attribute.Int64("osd.epoch", int64(info.Epoch)))

	if err := o.gate.Wait(ctx, info.Epoch); err != nil {
		slog.Debug("pg create abandoned", "osd", o.whoami, "pgid", pgid.String(), "error", err)
		o.pgs.Abort(pgid)
		return nil
	}
	startMap, err := o.cache.Get(ctx, info.Epoch)
	if err != nil {
		span.RecordError(err)
		return fatal(fmt.Errorf("load map e%d: %w", info.Epoch, err))
	}

	if info.ByMon {
		cur := o.CurrentMap()
		pool, ok := cur.Pool(pgid.Pool())
		if !ok {
			slog.Debug("ignoring pg create, pool dne", "osd", o.whoami, "pgid", pgid.String())
			o.dropCreate(pgid)
			return nil
		}
		if cur.RequireOSDRelease < osdmap.ReleaseNautilus {
			return fatal(errors.Newf("pg create from monitor at require_osd_release %s", cur.RequireOSDRelease))
		}
		if !pool.HasFlag(osdmap.PoolFlagCreating) {
			// Old creates must not run once the pool's initial pgs exist and
			// may have split or merged.
			slog.Debug("dropping pg create, pool does not have CREATING flag set",
				"osd", o.whoami, "pgid", pgid.String())
			o.dropCreate(pgid)
			return nil
		}
	}

	p, err := o.makePG(startMap, pgid)
	if err != nil {
		span.RecordError(err)
		return fatal(err)
	}
	iv := pg.ComputeInterval(startMap, pgid, p.Pool(), o.whoami)

	txn := objectstore.NewTransaction()
	if err := p.CreateOnDisk(txn, info.History); err != nil {
		return fatal(err)
	}
	p.Init(iv, info.History)
	if err := o.store.DoTransaction(txn); err != nil {
		span.RecordError(err)
		return fatal(fmt.Errorf("create pg %s on disk: %w", pgid, err))
	}

	p.Start(o.ctx)
	p.ScheduleAdvance(o.CurrentMap().Epoch)
	o.pgs.Created(pgid, p)
	// A map consumed while the entry was still creating skipped this pg.
	p.ScheduleAdvance(o.CurrentMap().Epoch)

	metrics.RecordPGCreate("created")
	slog.Info("pg created", "osd", o.whoami, "pgid", pgid.String(), "epoch", info.Epoch,
		"role", iv.Role, "acting", iv.Acting)
	return nil
}

func (o *OSD) dropCreate(pgid osdmap.SPGID) {
	o.pgs.Abort(pgid)
	metrics.RecordPGCreate("dropped")
}

// makePG builds the handle of pgid as of map m. A pool missing from m was
// deleted; its final definition is read from the map store.
func (o *OSD) makePG(m *osdmap.Map, pgid osdmap.SPGID) (*pg.PG, error) {
	if pool, ok := m.Pool(pgid.Pool()); ok {
		var profile map[string]string
		if pool.IsErasure() {
			profile = m.ErasureCodeProfile(pool.ErasureCodeProfile)
		}
		return pg.New(o.pgCfg, pgid, pool, profile, m), nil
	}
	fp, err := o.meta.LoadFinalPool(pgid.Pool())
	if err != nil {
		return nil, fmt.Errorf("pool of pg %s: %w", pgid, err)
	}
	return pg.New(o.pgCfg, pgid, fp.Pool, fp.ECProfile, m), nil
}

// loadPGs reads every pg collection back into the directory. A pg that
// cannot be restored is fatal.
func (o *OSD) loadPGs(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "osd.load_pgs")
	defer span.End()

	colls, err := o.store.ListCollections()
	if err != nil {
		return fmt.Errorf("list collections: %w", err)
	}
	p := pool.New().WithMaxGoroutines(o.cfg.LoadConcurrency).WithContext(ctx).WithCancelOnError()
	for _, coll := range colls {
		kind, pgid := objectstore.ParseCollection(coll)
		switch kind {
		case objectstore.CollPG:
			p.Go(func(ctx context.Context) error {
				loaded, err := o.loadPG(ctx, pgid)
				if err != nil {
					return err
				}
				o.pgs.Loaded(pgid, loaded)
				slog.Info("loaded pg", "osd", o.whoami, "pgid", pgid.String(), "epoch", loaded.Epoch())
				return nil
			})
		case objectstore.CollTemp:
			slog.Debug("skipping temp collection", "osd", o.whoami, "collection", coll)
		case objectstore.CollMeta:
		default:
			slog.Warn("ignoring unrecognized collection", "osd", o.whoami, "collection", coll)
		}
	}
	if err := p.Wait(); err != nil {
		span.RecordError(err)
		return fatal(err)
	}
	span.SetAttributes(attribute.Int("osd.pgs", o.pgs.Len()))
	return nil
}

func (o *OSD) loadPG(ctx context.Context, pgid osdmap.SPGID) (*pg.PG, error) {
	e, err := pg.ReadEpoch(o.store, pgid)
	if err != nil {
		return nil, fmt.Errorf("load pg %s: %w", pgid, err)
	}
	// A pg persisted below the oldest stored map is loaded with that map.
	if oldest := o.Superblock().OldestMap; e < oldest {
		if _, err := o.cache.Get(ctx, e); errors.Is(err, mapstore.ErrNoMap) {
			slog.Info("pg map trimmed, loading with oldest map", "osd", o.whoami, "pgid", pgid.String(),
				"epoch", e, "oldest_map", oldest)
			e = oldest
		}
	}
	m, err := o.cache.Get(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("load pg %s map e%d: %w", pgid, e, err)
	}
	p, err := o.makePG(m, pgid)
	if err != nil {
		return nil, err
	}
	if err := p.ReadState(); err != nil {
		return nil, fmt.Errorf("load pg %s: %w", pgid, err)
	}
	p.Start(o.ctx)
	p.ScheduleAdvance(o.CurrentMap().Epoch)
	return p, nil
}
