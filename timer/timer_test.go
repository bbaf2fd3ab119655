package timer

import (
	"novaos/kernel"
	"testing"
)

// mockTimer is a minimal timer.Timer used to test callback ordering and
// uptime binding without real hardware.
type mockTimer struct {
	freqHz    uint32
	callbacks []Callback
}

func (m *mockTimer) Name() string                        { return "mock" }
func (m *mockTimer) SetFrequency(hz uint32) *kernel.Error { m.freqHz = hz; return nil }
func (m *mockTimer) Start() *kernel.Error                 { return nil }
func (m *mockTimer) Stop() *kernel.Error                  { return nil }
func (m *mockTimer) AddCallback(cb Callback)              { m.callbacks = append(m.callbacks, cb) }
func (m *mockTimer) Frequency() uint32                    { return m.freqHz }
func (m *mockTimer) tick() {
	for _, cb := range m.callbacks {
		cb()
	}
}

var _ Timer = (*mockTimer)(nil)

func TestCallbacksFireInRegistrationOrder(t *testing.T) {
	var order []int
	mt := &mockTimer{}
	for i := 0; i < 3; i++ {
		i := i
		mt.AddCallback(func() { order = append(order, i) })
	}
	mt.tick()

	for i, v := range order {
		if v != i {
			t.Fatalf("expected callbacks to fire in order 0,1,2; got %v", order)
		}
	}
}

func TestBindUptimeIncrementsByStep(t *testing.T) {
	ResetUptimeForTest()
	mt := &mockTimer{freqHz: 1000}
	BindUptime(mt)

	mt.tick()
	if UptimeMs() != 1 {
		t.Fatalf("expected uptime to advance 1ms at 1000Hz, got %d", UptimeMs())
	}
	mt.tick()
	if UptimeMs() != 2 {
		t.Fatalf("expected uptime to advance to 2ms, got %d", UptimeMs())
	}
}

func TestBindUptimeDefaultsFrequency(t *testing.T) {
	ResetUptimeForTest()
	mt := &mockTimer{freqHz: 0}
	BindUptime(mt)

	mt.tick()
	if UptimeMs() != 1 {
		t.Fatalf("expected a zero-frequency timer to fall back to the 1kHz default step, got %d", UptimeMs())
	}
}
