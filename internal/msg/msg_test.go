package msg

import (
	"testing"

	"github.com/user/osd/internal/osdmap"
)

func TestOSDMapRange(t *testing.T) {
	m := &OSDMap{
		Maps:         map[osdmap.Epoch][]byte{12: nil, 13: nil},
		Incrementals: map[osdmap.Epoch][]byte{11: nil, 12: nil},
	}
	if m.First() != 11 || m.Last() != 13 {
		t.Errorf("range = [%d, %d], want [11, 13]", m.First(), m.Last())
	}
	empty := &OSDMap{}
	if empty.First() != 0 || empty.Last() != 0 {
		t.Error("empty message should report [0, 0]")
	}
}

func TestKindNames(t *testing.T) {
	var msgs = []Message{
		&OSDMap{}, &OSDOp{}, &PGCreate{}, &PGNotify{}, &PGInfo{}, &PGQuery{},
		&PGLog{}, &Boot{}, &Alive{}, &Beacon{}, &PGStats{}, &Ping{},
	}
	seen := map[string]bool{}
	for _, m := range msgs {
		name := m.Kind().String()
		if name == "unknown" || seen[name] {
			t.Errorf("kind %d has name %q", m.Kind(), name)
		}
		seen[name] = true
	}
	if Kind(200).String() != "kind(200)" {
		t.Errorf("out of range kind = %q", Kind(200).String())
	}
	if OSD(3).String() != "osd.3" || !Mon(0).IsMon() {
		t.Error("entity helpers")
	}
}
