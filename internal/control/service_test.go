package control

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Agrid-Dev/thermalctl/internal/protocol"
	"github.com/Agrid-Dev/thermalctl/internal/ramp"
	"github.com/Agrid-Dev/thermalctl/internal/registry"
	"github.com/Agrid-Dev/thermalctl/internal/simulator"
	"github.com/Agrid-Dev/thermalctl/internal/thermal"
)

type fixture struct {
	svc  *Service
	devs []*simulator.Device
}

func newFixture(t *testing.T, rampCfg ramp.Config, cfgs ...simulator.Config) fixture {
	t.Helper()
	return newFixtureWith(t, protocol.Timing{MaxRetries: 10}, rampCfg, cfgs...)
}

func newFixtureWith(t *testing.T, timing protocol.Timing, rampCfg ramp.Config, cfgs ...simulator.Config) fixture {
	t.Helper()
	bus := simulator.NewBus()
	var devs []*simulator.Device
	for _, c := range cfgs {
		d, err := simulator.New(c)
		require.NoError(t, err)
		devs = append(devs, bus.AddSerial(d))
	}
	client := protocol.NewClient(timing, nil)
	regCfg := registry.DefaultConfig()
	regCfg.ProbeDelay, regCfg.BinaryDelay = 0, 0
	reg := registry.New(bus, client, regCfg, nil)
	_, err := reg.Discover(context.Background(), "")
	require.NoError(t, err)

	adapter := protocol.NewAdapter(reg, client)
	ctrl := ramp.NewController(reg, adapter, nil, rampCfg, nil)
	svc := New(reg, adapter, ctrl, nil)
	t.Cleanup(svc.Shutdown)
	return fixture{svc: svc, devs: devs}
}

func fastRamp() ramp.Config {
	cfg := ramp.DefaultConfig()
	cfg.PollInterval = 0
	cfg.StepIdle = 0
	cfg.SensorRetryDelay = 0
	return cfg
}

func modern(name string, temp float64) simulator.Config {
	return simulator.Config{Name: name, Dialect: thermal.DialectModernASCII, Temps: [2]float64{temp, 0}}
}

func waitJob(t *testing.T, svc *Service, id string) thermal.Job {
	t.Helper()
	var job thermal.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = svc.Job(id)
		return err == nil && job.State != thermal.JobRunning
	}, 5*time.Second, 5*time.Millisecond)
	return job
}

func TestStartRampRunsToCompletion(t *testing.T) {
	f := newFixture(t, fastRamp(), modern("ttyUSB0", 22))

	job, err := f.svc.StartRamp(0, 50)
	require.NoError(t, err)
	assert.Equal(t, thermal.JobRunning, job.State)
	assert.NotEmpty(t, job.ID)

	done := waitJob(t, f.svc, job.ID)
	assert.Equal(t, thermal.JobSucceeded, done.State)
	assert.Equal(t, thermal.CodeOK, done.Code)
	assert.True(t, done.Result.Converged)
	assert.Equal(t, 50.0, f.devs[0].Temperature(thermal.Channel1))

	readings := f.svc.Readings()
	require.Len(t, readings, 1)
	assert.Equal(t, 50.0, readings[0].Temperature)
	assert.Equal(t, []thermal.Job{done}, f.svc.Jobs())
}

func TestStartRampValidatesBeforeRunning(t *testing.T) {
	f := newFixture(t, fastRamp(), modern("ttyUSB0", 22))

	_, err := f.svc.StartRamp(0, 250)
	assert.ErrorIs(t, err, thermal.ErrInvalidArgument)
	_, err = f.svc.StartRamp(7, 40)
	assert.ErrorIs(t, err, thermal.ErrDeviceNotFound)
	assert.Empty(t, f.svc.Jobs())
}

func TestOverlappingWorkIsRejected(t *testing.T) {
	slow := fastRamp()
	slow.PollInterval = time.Hour
	f := newFixture(t, slow, modern("ttyUSB0", 22), modern("ttyUSB1", 30))
	ctx := context.Background()

	job, err := f.svc.StartRamp(0, 60)
	require.NoError(t, err)

	_, err = f.svc.StartRamp(0, 70)
	assert.ErrorIs(t, err, thermal.ErrDeviceBusy)
	_, err = f.svc.Temperature(ctx, 0)
	assert.ErrorIs(t, err, thermal.ErrDeviceBusy)
	assert.ErrorIs(t, f.svc.SetMode(ctx, 0, thermal.ModeFan), thermal.ErrDeviceBusy)

	v, err := f.svc.Temperature(ctx, 1)
	require.NoError(t, err, "other devices stay available")
	assert.Equal(t, 30.0, v)

	f.svc.Shutdown()
	done, err := f.svc.Job(job.ID)
	require.NoError(t, err)
	assert.Equal(t, thermal.JobFailed, done.State)
	assert.Contains(t, done.Err, context.Canceled.Error())

	_, err = f.svc.StartRamp(1, 40)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSetModeAndThreshold(t *testing.T) {
	f := newFixture(t, fastRamp(), modern("ttyUSB0", 22))
	ctx := context.Background()

	require.NoError(t, f.svc.SetMode(ctx, 0, thermal.ModeFan))
	require.NoError(t, f.svc.SetThreshold(ctx, 0, 120.4))
	assert.Equal(t, thermal.ModeFan, f.devs[0].Mode(thermal.Channel1))
	assert.Equal(t, 120.0, f.devs[0].Threshold(thermal.Channel1))

	assert.ErrorIs(t, f.svc.SetMode(ctx, 0, thermal.ModeUnknown), thermal.ErrInvalidMode)
	assert.ErrorIs(t, f.svc.SetThreshold(ctx, 3, 100), thermal.ErrDeviceNotFound)
}

func TestReadAllCollectsFailures(t *testing.T) {
	f := newFixture(t, fastRamp(), modern("ttyUSB0", 22), modern("ttyUSB1", 31))
	require.NoError(t, f.devs[0].Close())

	readings, err := f.svc.ReadAll(context.Background())
	assert.ErrorIs(t, err, thermal.ErrProtocol)
	require.Len(t, readings, 1)
	assert.Equal(t, 1, readings[0].Index)
	assert.Equal(t, 31.0, readings[0].Temperature)
}

func TestJobNotFound(t *testing.T) {
	f := newFixture(t, fastRamp(), modern("ttyUSB0", 22))
	_, err := f.svc.Job("nope")
	assert.ErrorIs(t, err, thermal.ErrJobNotFound)
}

func TestChannelsSharingAPortDoNotInterleave(t *testing.T) {
	timing := protocol.Timing{CommandDelay: time.Millisecond, RetryDelay: time.Millisecond, MaxRetries: 10}
	board := simulator.Config{Name: "ttyUSB0", Dialect: thermal.DialectModernASCII,
		Temps: [2]float64{20, 60}, Channel2: true}
	f := newFixtureWith(t, timing, fastRamp(), board)
	require.Len(t, f.svc.Devices(), 2)

	ctx := context.Background()
	want := []float64{20, 60}
	wrong := make([]int, len(want))
	var wg sync.WaitGroup
	for index := range want {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				v, err := f.svc.Temperature(ctx, index)
				if err != nil || v != want[index] {
					wrong[index]++
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, []int{0, 0}, wrong)
	assert.Equal(t, thermal.ModeIdle, f.devs[0].Mode(thermal.Channel1), "no sensor fallback was triggered")
	assert.Equal(t, thermal.ModeIdle, f.devs[0].Mode(thermal.Channel2))
}

func TestShutdownWaitsForEveryAcceptedRamp(t *testing.T) {
	slow := fastRamp()
	slow.PollInterval = time.Hour
	f := newFixture(t, slow,
		modern("ttyUSB0", 22), modern("ttyUSB1", 22), modern("ttyUSB2", 22), modern("ttyUSB3", 22))

	var wg sync.WaitGroup
	for index := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.svc.StartRamp(index, 60)
		}()
	}
	f.svc.Shutdown()
	wg.Wait()

	for _, job := range f.svc.Jobs() {
		assert.NotEqual(t, thermal.JobRunning, job.State, "job %s outlived shutdown", job.ID)
	}
	_, err := f.svc.StartRamp(0, 40)
	assert.ErrorIs(t, err, context.Canceled)
}

func mixedBench(t *testing.T) fixture {
	t.Helper()
	return newFixture(t, fastRamp(),
		simulator.Config{Name: "ttyA0", Dialect: thermal.DialectModernASCII, Temps: [2]float64{22, 0},
			Identity: "bench-a", IP: "10.0.0.21", MAC: "02:00:00:00:00:21"},
		simulator.Config{Name: "ttyA1", Dialect: thermal.DialectLegacyASCII, Temps: [2]float64{22, 0}},
		simulator.Config{Name: "ttyA2", Dialect: thermal.DialectBinaryChecksum, Temps: [2]float64{22, 0}},
	)
}

func TestNetwork(t *testing.T) {
	f := mixedBench(t)
	ctx := context.Background()

	info, err := f.svc.Network(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, thermal.NetworkInfo{Index: 0, IP: "10.0.0.21", MAC: "02:00:00:00:00:21"}, info)

	for _, index := range []int{1, 2} {
		info, err := f.svc.Network(ctx, index)
		require.NoError(t, err)
		assert.Equal(t, thermal.NetworkInfo{Index: index, IP: protocol.NotAvailable, MAC: protocol.NotAvailable}, info)
	}

	_, err = f.svc.Network(ctx, 9)
	assert.ErrorIs(t, err, thermal.ErrDeviceNotFound)
}

func TestSetNetworkAndIdentity(t *testing.T) {
	f := mixedBench(t)
	ctx := context.Background()

	require.NoError(t, f.svc.SetNetwork(ctx, 0, "10.0.0.5", ""))
	require.NoError(t, f.svc.SetNetwork(ctx, 0, "", "02:00:00:00:00:05"))
	ip, mac := f.devs[0].Network()
	assert.Equal(t, "10.0.0.5", ip)
	assert.Equal(t, "02:00:00:00:00:05", mac)

	require.NoError(t, f.svc.SetIdentity(ctx, 0, "bench-b"))
	assert.Equal(t, "bench-b", f.devs[0].Identity())

	sent := len(f.devs[0].Sent())
	assert.ErrorIs(t, f.svc.SetNetwork(ctx, 0, "10.0.0", ""), thermal.ErrInvalidArgument)
	assert.ErrorIs(t, f.svc.SetNetwork(ctx, 0, "", "zz"), thermal.ErrInvalidArgument)
	assert.ErrorIs(t, f.svc.SetNetwork(ctx, 0, "", ""), thermal.ErrInvalidArgument)
	assert.ErrorIs(t, f.svc.SetIdentity(ctx, 0, "two words"), thermal.ErrInvalidArgument)
	assert.Len(t, f.devs[0].Sent(), sent, "invalid arguments never reach the device")

	assert.ErrorIs(t, f.svc.SetIdentity(ctx, 1, "x"), thermal.ErrUnsupported)
	assert.ErrorIs(t, f.svc.SetIdentity(ctx, 2, "x"), thermal.ErrUnsupported)
	assert.ErrorIs(t, f.svc.SetNetwork(ctx, 2, "10.0.0.6", ""), thermal.ErrUnsupported)
}

func TestSensor(t *testing.T) {
	f := mixedBench(t)
	ctx := context.Background()

	st, err := f.svc.Sensor(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, thermal.SensorStatus{Index: 0, Sensor: "Sensor: thermocouple OK", Stable: true}, st)

	st, err = f.svc.Sensor(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, protocol.NotAvailable, st.Sensor)
	assert.True(t, st.Stable)

	_, err = f.svc.Sensor(ctx, 2)
	assert.ErrorIs(t, err, thermal.ErrUnsupported)
}

func TestLookupAndDebug(t *testing.T) {
	f := mixedBench(t)

	index, err := f.svc.Lookup("^bench", "")
	require.NoError(t, err)
	assert.Equal(t, 0, index)
	index, err = f.svc.Lookup("", "A2$")
	require.NoError(t, err)
	assert.Equal(t, 2, index)

	_, err = f.svc.Lookup("", "")
	assert.ErrorIs(t, err, thermal.ErrInvalidArgument)
	_, err = f.svc.Lookup("bench", "ttyA0")
	assert.ErrorIs(t, err, thermal.ErrInvalidArgument)
	_, err = f.svc.Lookup("nobody", "")
	assert.ErrorIs(t, err, thermal.ErrDeviceNotFound)

	require.NoError(t, f.svc.SetDebug(1, true))
	rec, err := f.svc.reg.Device(1)
	require.NoError(t, err)
	assert.True(t, rec.Debug())
	assert.ErrorIs(t, f.svc.SetDebug(7, true), thermal.ErrDeviceNotFound)
}
