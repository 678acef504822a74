package server

import (
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/user/osd/internal/mapstore"
	"github.com/user/osd/internal/msg"
	"github.com/user/osd/internal/osd"
	"github.com/user/osd/internal/osdmap"
	"github.com/user/osd/internal/pg"
)

type pgView struct {
	PGID              string            `json:"pgid"`
	Pool              string            `json:"pool"`
	Collection        string            `json:"collection"`
	ECProfile         map[string]string `json:"ec_profile,omitempty"`
	Epoch             osdmap.Epoch      `json:"epoch"`
	Role              int               `json:"role"`
	Up                []int32           `json:"up"`
	UpPrimary         int32             `json:"up_primary"`
	Acting            []int32           `json:"acting"`
	ActingPrimary     int32             `json:"acting_primary"`
	EpochCreated      osdmap.Epoch      `json:"epoch_created"`
	SameIntervalSince osdmap.Epoch      `json:"same_interval_since"`
}

func newPGView(p *pg.PG) pgView {
	iv := p.Interval()
	h := p.History()
	return pgView{
		PGID:              p.ID().String(),
		Pool:              p.PoolName(),
		Collection:        p.Collection(),
		ECProfile:         p.ECProfile(),
		Epoch:             p.Epoch(),
		Role:              iv.Role,
		Up:                iv.Up,
		UpPrimary:         iv.UpPrimary,
		Acting:            iv.Acting,
		ActingPrimary:     iv.ActingPrimary,
		EpochCreated:      h.EpochCreated,
		SameIntervalSince: h.SameIntervalSince,
	}
}

type osdView struct {
	ID           int32        `json:"id"`
	Exists       bool         `json:"exists"`
	Up           bool         `json:"up"`
	UpFrom       osdmap.Epoch `json:"up_from"`
	UpThru       osdmap.Epoch `json:"up_thru"`
	DownAt       osdmap.Epoch `json:"down_at"`
	PublicAddrs  string       `json:"public_addrs,omitempty"`
	ClusterAddrs string       `json:"cluster_addrs,omitempty"`
}

type poolView struct {
	ID      int64        `json:"id"`
	Name    string       `json:"name"`
	Erasure bool         `json:"erasure"`
	Size    int          `json:"size"`
	PGNum   uint32       `json:"pg_num"`
	Flags   uint64       `json:"flags"`
	Changed osdmap.Epoch `json:"last_change"`
}

type mapView struct {
	FSID              string       `json:"fsid"`
	Epoch             osdmap.Epoch `json:"epoch"`
	Flags             uint32       `json:"flags"`
	RequireOSDRelease string       `json:"require_osd_release"`
	MaxOSD            int32        `json:"max_osd"`
	OSDs              []osdView    `json:"osds"`
	Pools             []poolView   `json:"pools"`
}

func newMapView(m *osdmap.Map) mapView {
	v := mapView{
		FSID:              m.FSID,
		Epoch:             m.Epoch,
		Flags:             uint32(m.Flags),
		RequireOSDRelease: m.RequireOSDRelease.String(),
		MaxOSD:            m.MaxOSD,
		OSDs:              []osdView{},
		Pools:             []poolView{},
	}
	for i, info := range m.OSDs {
		id := int32(i)
		if !m.Exists(id) {
			continue
		}
		v.OSDs = append(v.OSDs, osdView{
			ID:           id,
			Exists:       true,
			Up:           m.IsUp(id),
			UpFrom:       info.UpFrom,
			UpThru:       info.UpThru,
			DownAt:       info.DownAt,
			PublicAddrs:  info.PublicAddrs.String(),
			ClusterAddrs: info.ClusterAddrs.String(),
		})
	}
	for _, p := range m.Pools {
		v.Pools = append(v.Pools, poolView{
			ID:      p.ID,
			Name:    p.Name,
			Erasure: p.IsErasure(),
			Size:    p.Size,
			PGNum:   p.PGNum,
			Flags:   uint64(p.Flags),
			Changed: p.LastChange,
		})
	}
	sort.Slice(v.Pools, func(i, j int) bool { return v.Pools[i].ID < v.Pools[j].ID })
	return v
}

type statView struct {
	PGID          string       `json:"pgid"`
	ReportedEpoch osdmap.Epoch `json:"reported_epoch"`
	State         string       `json:"state"`
	Up            []int32      `json:"up"`
	Acting        []int32      `json:"acting"`
}

type statsView struct {
	Whoami int32        `json:"whoami"`
	Epoch  osdmap.Epoch `json:"epoch"`
	Stats  []statView   `json:"stats"`
}

func newStatsView(st *msg.PGStats) statsView {
	v := statsView{Whoami: st.Whoami, Epoch: st.Epoch, Stats: []statView{}}
	for _, s := range st.Stats {
		v.Stats = append(v.Stats, statView{
			PGID:          s.PGID.String(),
			ReportedEpoch: s.ReportedEpoch,
			State:         s.State,
			Up:            s.Up,
			Acting:        s.Acting,
		})
	}
	return v
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	state := s.node.State()
	if state == osd.StateStopping {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "stopping", "state": state.String()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "state": state.String()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.node.Status())
}

func (s *Server) handleListPGs(w http.ResponseWriter, r *http.Request) {
	pgs := s.node.PGs()
	out := make([]pgView, 0, len(pgs))
	for _, p := range pgs {
		out = append(out, newPGView(p))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pgs": out})
}

func (s *Server) handleGetPG(w http.ResponseWriter, r *http.Request) {
	pgid, err := osdmap.ParseSPGID(chi.URLParam(r, "pgid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_PGID")
		return
	}
	p, ok := s.node.PG(pgid)
	if !ok {
		writeError(w, http.StatusNotFound, "pg "+pgid.String()+" not hosted", "NOT_FOUND")
		return
	}
	writeJSON(w, http.StatusOK, newPGView(p))
}

// handleGetMap serves one stored epoch, or the current map for "current".
func (s *Server) handleGetMap(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "epoch")
	if raw == "current" {
		writeJSON(w, http.StatusOK, newMapView(s.node.CurrentMap()))
		return
	}
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "epoch must be a number or current", "INVALID_EPOCH")
		return
	}
	e := osdmap.Epoch(n)
	if e > s.node.CurrentMap().Epoch {
		writeError(w, http.StatusNotFound, "epoch "+raw+" not yet received", "NOT_FOUND")
		return
	}
	m, err := s.node.Map(r.Context(), e)
	if err != nil {
		if errors.Is(err, mapstore.ErrNoMap) {
			writeError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, newMapView(m))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newStatsView(s.node.Stats()))
}
