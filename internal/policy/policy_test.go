package policy_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SearocIsMe/elderly-companion/internal/policy"
	"github.com/SearocIsMe/elderly-companion/internal/policy/policytest"
	"github.com/SearocIsMe/elderly-companion/pkg/domain"
)

func TestCompile_Fixture(t *testing.T) {
	snap := policytest.Snapshot(t)

	assert.Equal(t, "test-1", snap.Version)
	assert.Len(t, snap.Ladder, 4)
	assert.Equal(t, domain.ContactID("family"), snap.Ladder[0].ID)
	assert.Equal(t, domain.ContactID("services"), snap.Ladder[3].ID)

	fence, ok := snap.Device("front_door_lock")
	require.True(t, ok)
	assert.True(t, fence.SafetyCritical)
	assert.True(t, fence.ConfirmActions["unlock"])
	assert.False(t, fence.AllowedActions["unlock"])
	assert.True(t, fence.Allows("unlock"))

	// SOS sets sorted by category urgency.
	assert.Equal(t, domain.CategoryMedical, snap.SOSSets[0].Category)
}

func TestCompile_SortsSOSSetsByRank(t *testing.T) {
	doc := policytest.Document()
	// Reverse the declared order; compile must restore rank order.
	for i, j := 0, len(doc.SOSSets)-1; i < j; i, j = i+1, j-1 {
		doc.SOSSets[i], doc.SOSSets[j] = doc.SOSSets[j], doc.SOSSets[i]
	}
	snap, err := policy.Compile(doc)
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryMedical, snap.SOSSets[0].Category)
	assert.Equal(t, domain.CategoryDistress, snap.SOSSets[len(snap.SOSSets)-1].Category)
}

func TestCompile_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*policy.Document)
	}{
		{"missing version", func(d *policy.Document) { d.Version = "" }},
		{"bad direct rule regex", func(d *policy.Document) {
			d.DirectRules[0].Pattern = "(unclosed"
		}},
		{"bad injection regex", func(d *policy.Document) {
			d.Guard.InjectionPatterns = []string{"(?P<bad"}
		}},
		{"unknown sos category", func(d *policy.Document) {
			d.SOSSets[0].Category = "volcano"
		}},
		{"sos severity out of range", func(d *policy.Document) {
			d.SOSSets[0].Severity = 9
		}},
		{"device risk out of range", func(d *policy.Document) {
			d.Devices[0].RiskLevel = 0
		}},
		{"device missing room", func(d *policy.Document) {
			d.Devices[0].Room = ""
		}},
		{"geo fence unknown device", func(d *policy.Document) {
			d.GeoFences[0].AllowedDevices = []string{"ghost_device"}
		}},
		{"geo fence too few vertices", func(d *policy.Document) {
			d.GeoFences[0].Polygon = [][2]float64{{0, 0}, {1, 1}}
		}},
		{"empty ladder", func(d *policy.Document) { d.Ladder = nil }},
		{"direct rule unknown device", func(d *policy.Document) {
			d.DirectRules[0].Device = "ghost_device"
		}},
		{"scene unknown device", func(d *policy.Document) {
			d.Emergency.Scene = []policy.SceneCommandDoc{{Device: "ghost", Action: "on"}}
		}},
		{"scene disallowed action", func(d *policy.Document) {
			d.Emergency.Scene = []policy.SceneCommandDoc{{Device: "living_room_light", Action: "explode"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := policytest.Document()
			tt.mutate(&doc)
			_, err := policy.Compile(doc)
			require.Error(t, err)
			assert.ErrorIs(t, err, policy.ErrInvalid)
		})
	}
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := policy.Parse([]byte("version: v1\nbogus_key: true\n"))
	require.Error(t, err)
}

func TestMarshalParse_RoundTrip(t *testing.T) {
	doc := policytest.Document()
	data, err := policy.Marshal(doc)
	require.NoError(t, err)

	parsed, err := policy.Parse(data)
	require.NoError(t, err)

	// Serialize/parse is the identity on the wire: a second trip produces
	// byte-identical output.
	again, err := policy.Marshal(parsed)
	require.NoError(t, err)
	assert.Equal(t, string(data), string(again))

	// And the parsed document compiles to an equivalent snapshot.
	a, err := policy.Compile(doc)
	require.NoError(t, err)
	b, err := policy.Compile(parsed)
	require.NoError(t, err)
	assert.Equal(t, a.Version, b.Version)
	assert.Equal(t, a.VocabularyHash(), b.VocabularyHash())
	assert.Equal(t, a.Ladder, b.Ladder)
	assert.Equal(t, a.Guard.ConfirmWindow, b.Guard.ConfirmWindow)
}

func TestSnapshot_ZoneFor(t *testing.T) {
	snap := policytest.Snapshot(t)

	assert.Equal(t, domain.Zone("living_room"), snap.ZoneFor(0.5, 0.5))
	assert.Equal(t, domain.Zone("bedroom"), snap.ZoneFor(2.0, 3.0))
	assert.Equal(t, domain.ZoneOutsideSafe, snap.ZoneFor(100, 100))
}

func TestPolygon_Contains(t *testing.T) {
	square := policy.Polygon{{X: 0, Y: 0}, {X: 4, Y: 0}, {X: 4, Y: 4}, {X: 0, Y: 4}}

	assert.True(t, square.Contains(policy.Point{X: 2, Y: 2}))
	assert.False(t, square.Contains(policy.Point{X: 5, Y: 2}))
	assert.False(t, square.Contains(policy.Point{X: -0.1, Y: 2}))

	// Degenerate polygons contain nothing.
	line := policy.Polygon{{X: 0, Y: 0}, {X: 1, Y: 1}}
	assert.False(t, line.Contains(policy.Point{X: 0.5, Y: 0.5}))
}

func TestTimeRange_WrapsMidnight(t *testing.T) {
	r := policy.TimeRange{StartMinute: 22 * 60, EndMinute: 7 * 60}

	at := func(h, m int) time.Time {
		return time.Date(2025, 8, 1, h, m, 0, 0, time.UTC)
	}
	assert.True(t, r.Contains(at(23, 0)))
	assert.True(t, r.Contains(at(2, 30)))
	assert.False(t, r.Contains(at(12, 0)))
	assert.True(t, r.Contains(at(22, 0)))
	assert.False(t, r.Contains(at(7, 0)))
}

func TestSnapshot_RateLimitFor(t *testing.T) {
	snap := policytest.Snapshot(t)

	// Action-specific limit wins over the adapter-wide one.
	rl, ok := snap.RateLimitFor("smart_home", "unlock")
	require.True(t, ok)
	assert.Equal(t, 3, rl.Limit)

	rl, ok = snap.RateLimitFor("smart_home", "on")
	require.True(t, ok)
	assert.Equal(t, 30, rl.Limit)

	_, ok = snap.RateLimitFor("video", "activate")
	assert.False(t, ok)
}

func TestSnapshot_RetrySynthesizedFromEmergency(t *testing.T) {
	snap := policytest.Snapshot(t)

	call := snap.RetryFor("call")
	assert.Equal(t, 2, call.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, call.BaseBackoff)

	// Explicit document entry is preserved.
	notify := snap.RetryFor("notify")
	assert.Equal(t, 3, notify.MaxRetries)
}

func TestVocabularyHash_DeterministicAndSensitive(t *testing.T) {
	a := policytest.Snapshot(t)
	b := policytest.Snapshot(t)
	assert.Equal(t, a.VocabularyHash(), b.VocabularyHash())

	doc := policytest.Document()
	doc.Devices[0].AllowedActions = append(doc.Devices[0].AllowedActions, "strobe")
	c, err := policy.Compile(doc)
	require.NoError(t, err)
	assert.NotEqual(t, a.VocabularyHash(), c.VocabularyHash())
}

func TestStore_AtomicSwap(t *testing.T) {
	first := policytest.Snapshot(t)
	store := policy.NewStore(first)

	doc := policytest.Document()
	doc.Version = "test-2"
	second, err := policy.Compile(doc)
	require.NoError(t, err)

	// Readers must only ever observe a fully-formed snapshot.
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := store.Current()
				v := snap.Version
				if v != "test-1" && v != "test-2" {
					t.Errorf("torn snapshot version %q", v)
					return
				}
				if len(snap.Ladder) != 4 {
					t.Errorf("torn snapshot ladder %d", len(snap.Ladder))
					return
				}
			}
		}()
	}
	for i := 0; i < 1000; i++ {
		if i%2 == 0 {
			store.Publish(second)
		} else {
			store.Publish(first)
		}
	}
	close(stop)
	wg.Wait()
}
