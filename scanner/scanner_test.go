package scanner

import (
	"context"
	"sync"
	"testing"
	"time"

	blelib "github.com/go-ble/ble"
	"github.com/srg/bassist/internal/announce"
	"github.com/srg/bassist/internal/testutils"
	"github.com/srg/bassist/pkg/assistant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdvertisement struct {
	addr        string
	rssi        int
	serviceData []blelib.ServiceData
}

func (a *fakeAdvertisement) LocalName() string                 { return "" }
func (a *fakeAdvertisement) ManufacturerData() []byte          { return nil }
func (a *fakeAdvertisement) ServiceData() []blelib.ServiceData { return a.serviceData }
func (a *fakeAdvertisement) Services() []blelib.UUID           { return nil }
func (a *fakeAdvertisement) OverflowService() []blelib.UUID    { return nil }
func (a *fakeAdvertisement) TxPowerLevel() int                 { return 0 }
func (a *fakeAdvertisement) Connectable() bool                 { return false }
func (a *fakeAdvertisement) SolicitedService() []blelib.UUID   { return nil }
func (a *fakeAdvertisement) RSSI() int                         { return a.rssi }
func (a *fakeAdvertisement) Addr() blelib.Addr                 { return blelib.NewAddr(a.addr) }

type fakeDevice struct {
	mu      sync.Mutex
	handler func(blelib.Advertisement)
	stopped bool
	scanErr error
	done    chan struct{}
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{done: make(chan struct{})}
}

func (d *fakeDevice) Scan(ctx context.Context, allowDup bool, handler func(blelib.Advertisement)) error {
	d.mu.Lock()
	d.handler = handler
	err := d.scanErr
	d.mu.Unlock()
	close(d.done)
	if err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	return nil
}

func (d *fakeDevice) deliver(adv blelib.Advertisement) {
	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()
	if h != nil {
		h(adv)
	}
}

type recordingConsumer struct {
	mu       sync.Mutex
	results  []*assistant.ScanResult
	failures []int
}

func (c *recordingConsumer) HandleScanResult(r *assistant.ScanResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
}

func (c *recordingConsumer) HandleScanFailed(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, code)
}

func (c *recordingConsumer) resultCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

func (c *recordingConsumer) failureCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.failures)
}

func withFakeDevice(t *testing.T, dev *fakeDevice) {
	t.Helper()
	original := DeviceFactory
	DeviceFactory = func() (ScanningDevice, error) { return dev, nil }
	t.Cleanup(func() { DeviceFactory = original })
}

func announcementAdv(addr string, id int, rssi int) *fakeAdvertisement {
	return &fakeAdvertisement{
		addr: addr,
		rssi: rssi,
		serviceData: []blelib.ServiceData{{
			UUID: announce.BroadcastAudioAnnouncementUUID,
			Data: []byte{byte(id), byte(id >> 8), byte(id >> 16)},
		}},
	}
}

func TestScanner_ForwardsAnnouncements(t *testing.T) {
	dev := newFakeDevice()
	withFakeDevice(t, dev)

	consumer := &recordingConsumer{}
	s := New(testutils.QuietLogger(), consumer)

	require.NoError(t, s.StartScan(nil))
	defer s.StopScan()
	<-dev.done

	dev.deliver(announcementAdv("aa:bb:cc:00:00:01", 0x123456, -40))

	require.Eventually(t, func() bool { return consumer.resultCount() == 1 },
		time.Second, time.Millisecond)

	consumer.mu.Lock()
	defer consumer.mu.Unlock()
	r := consumer.results[0]
	assert.Equal(t, -40, r.RSSI)
	id, ok := r.BroadcastID()
	require.True(t, ok)
	assert.Equal(t, assistant.BroadcastID(0x123456), id)
}

func TestScanner_DropsUnrelatedAdvertisements(t *testing.T) {
	dev := newFakeDevice()
	withFakeDevice(t, dev)

	consumer := &recordingConsumer{}
	s := New(testutils.QuietLogger(), consumer)

	require.NoError(t, s.StartScan(nil))
	defer s.StopScan()
	<-dev.done

	dev.deliver(&fakeAdvertisement{addr: "aa:bb:cc:00:00:02", rssi: -50})
	dev.deliver(announcementAdv("aa:bb:cc:00:00:01", 7, -40))

	require.Eventually(t, func() bool { return consumer.resultCount() == 1 },
		time.Second, time.Millisecond)
}

func TestScanner_StartTwiceFails(t *testing.T) {
	dev := newFakeDevice()
	withFakeDevice(t, dev)

	s := New(testutils.QuietLogger(), &recordingConsumer{})
	require.NoError(t, s.StartScan(nil))
	defer s.StopScan()

	assert.Error(t, s.StartScan(nil))
}

func TestScanner_StopIdleIsNoOp(t *testing.T) {
	s := New(testutils.QuietLogger(), &recordingConsumer{})
	assert.NoError(t, s.StopScan())
}

func TestScanner_ReportsFailure(t *testing.T) {
	dev := newFakeDevice()
	dev.scanErr = assert.AnError
	withFakeDevice(t, dev)

	consumer := &recordingConsumer{}
	s := New(testutils.QuietLogger(), consumer)
	require.NoError(t, s.StartScan(nil))
	defer s.StopScan()

	require.Eventually(t, func() bool { return consumer.failureCount() == 1 },
		time.Second, time.Millisecond)
}

func TestScanner_CustomFilters(t *testing.T) {
	dev := newFakeDevice()
	withFakeDevice(t, dev)

	consumer := &recordingConsumer{}
	s := New(testutils.QuietLogger(), consumer)
	filters := []assistant.ScanFilter{
		{ServiceUUID: announce.BroadcastAudioScanServiceUUID.String()},
	}
	require.NoError(t, s.StartScan(filters))
	defer s.StopScan()
	<-dev.done

	// An announcement no longer matches the narrowed filter.
	dev.deliver(announcementAdv("aa:bb:cc:00:00:01", 7, -40))
	dev.deliver(&fakeAdvertisement{
		addr: "aa:bb:cc:00:00:03",
		rssi: -60,
		serviceData: []blelib.ServiceData{{
			UUID: announce.BroadcastAudioScanServiceUUID,
			Data: []byte{0x01},
		}},
	})

	require.Eventually(t, func() bool { return consumer.resultCount() == 1 },
		time.Second, time.Millisecond)
	consumer.mu.Lock()
	defer consumer.mu.Unlock()
	assert.Equal(t, assistant.Address("aa:bb:cc:00:00:03"), consumer.results[0].Addr)
}
