package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/Agrid-Dev/thermalctl/internal/thermal"
)

// FakeThermalService is a reusable fake implementing ports.ThermalService.
// Put ONLY what multiple test packages need here.
type FakeThermalService struct {
	mu sync.Mutex

	Infos    []thermal.DeviceInfo
	Reads    []thermal.Reading
	JobTable []thermal.Job

	TemperatureValue float64
	TemperatureErr   error

	SetModeCalled bool
	SetModeIndex  int
	SetModeArg    thermal.Mode
	SetModeErr    error

	SetThresholdCalled bool
	SetThresholdIndex  int
	SetThresholdArg    float64
	SetThresholdErr    error

	StartRampCalled bool
	StartRampIndex  int
	StartRampTarget float64
	StartRampErr    error

	NetworkValue thermal.NetworkInfo
	SensorValue  thermal.SensorStatus
	ConfigureErr error
	SetIP        string
	SetMAC       string
	SetID        string
	Debug        map[int]bool
}

func NewFakeThermalService() *FakeThermalService {
	return &FakeThermalService{
		Infos: []thermal.DeviceInfo{
			{Index: 0, PortName: "ttyUSB0", Dialect: thermal.DialectModernASCII, Channel: thermal.Channel1,
				Firmware: thermal.Version{Major: 2, Minor: 1, Patch: 4}, Identity: "bench-a"},
			{Index: 1, PortName: "ttyS0", Dialect: thermal.DialectLegacyASCII, Channel: thermal.Channel1,
				Firmware: thermal.SentinelVersion, Identity: "OldBoard"},
		},
		Reads: []thermal.Reading{
			{Index: 0, Temperature: 23.5, At: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		},
		TemperatureValue: 23.5,
		NetworkValue:     thermal.NetworkInfo{IP: "10.0.0.21", MAC: "02:00:00:00:00:21"},
		SensorValue:      thermal.SensorStatus{Sensor: "Sensor: thermocouple OK", Stable: true},
		Debug:            map[int]bool{},
	}
}

func (f *FakeThermalService) Devices() []thermal.DeviceInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]thermal.DeviceInfo(nil), f.Infos...)
}

func (f *FakeThermalService) Readings() []thermal.Reading {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]thermal.Reading(nil), f.Reads...)
}

func (f *FakeThermalService) SetReadings(r []thermal.Reading) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Reads = r
}

func (f *FakeThermalService) check(index int) error {
	if index < 0 || index >= len(f.Infos) {
		return thermal.ErrDeviceNotFound
	}
	return nil
}

func (f *FakeThermalService) Temperature(_ context.Context, index int) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(index); err != nil {
		return 0, err
	}
	return f.TemperatureValue, f.TemperatureErr
}

func (f *FakeThermalService) ReadAll(context.Context) ([]thermal.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]thermal.Reading(nil), f.Reads...), f.TemperatureErr
}

func (f *FakeThermalService) SetMode(_ context.Context, index int, m thermal.Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SetModeCalled = true
	f.SetModeIndex = index
	f.SetModeArg = m
	if err := f.check(index); err != nil {
		return err
	}
	return f.SetModeErr
}

func (f *FakeThermalService) SetThreshold(_ context.Context, index int, v float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SetThresholdCalled = true
	f.SetThresholdIndex = index
	f.SetThresholdArg = v
	if err := f.check(index); err != nil {
		return err
	}
	return f.SetThresholdErr
}

func (f *FakeThermalService) StartRamp(index int, target float64) (thermal.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StartRampCalled = true
	f.StartRampIndex = index
	f.StartRampTarget = target
	if err := f.check(index); err != nil {
		return thermal.Job{}, err
	}
	if f.StartRampErr != nil {
		return thermal.Job{}, f.StartRampErr
	}
	job := thermal.Job{
		ID:      "job-1",
		Index:   index,
		Target:  target,
		State:   thermal.JobRunning,
		Started: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.JobTable = append(f.JobTable, job)
	return job, nil
}

func (f *FakeThermalService) Job(id string) (thermal.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.JobTable {
		if j.ID == id {
			return j, nil
		}
	}
	return thermal.Job{}, thermal.ErrJobNotFound
}

func (f *FakeThermalService) Jobs() []thermal.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]thermal.Job(nil), f.JobTable...)
}

func (f *FakeThermalService) Network(_ context.Context, index int) (thermal.NetworkInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(index); err != nil {
		return thermal.NetworkInfo{}, err
	}
	info := f.NetworkValue
	info.Index = index
	return info, nil
}

func (f *FakeThermalService) SetNetwork(_ context.Context, index int, ip, mac string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(index); err != nil {
		return err
	}
	if ip == "" && mac == "" {
		return thermal.ErrInvalidArgument
	}
	f.SetIP, f.SetMAC = ip, mac
	return f.ConfigureErr
}

func (f *FakeThermalService) SetIdentity(_ context.Context, index int, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(index); err != nil {
		return err
	}
	f.SetID = id
	return f.ConfigureErr
}

func (f *FakeThermalService) Sensor(_ context.Context, index int) (thermal.SensorStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(index); err != nil {
		return thermal.SensorStatus{}, err
	}
	st := f.SensorValue
	st.Index = index
	return st, nil
}

// Lookup matches id and port literally against the device table.
func (f *FakeThermalService) Lookup(id, port string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if (id == "") == (port == "") {
		return -1, thermal.ErrInvalidArgument
	}
	for _, info := range f.Infos {
		if (id != "" && info.Identity == id) || (port != "" && info.PortName == port) {
			return info.Index, nil
		}
	}
	return -1, thermal.ErrDeviceNotFound
}

func (f *FakeThermalService) SetDebug(index int, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(index); err != nil {
		return err
	}
	f.Debug[index] = on
	return nil
}

// DebugFor reports the last debug flag set on index.
func (f *FakeThermalService) DebugFor(index int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Debug[index]
}

// SetJobs replaces the job table.
func (f *FakeThermalService) SetJobs(jobs []thermal.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.JobTable = jobs
}

// Calls is a copy of the recorded call state, safe to read while the fake
// is in use by another goroutine.
type Calls struct {
	SetModeCalled      bool
	SetModeIndex       int
	SetModeArg         thermal.Mode
	SetThresholdCalled bool
	SetThresholdIndex  int
	SetThresholdArg    float64
	StartRampCalled    bool
	StartRampIndex     int
	StartRampTarget    float64
	SetIP              string
	SetMAC             string
	SetID              string
}

func (f *FakeThermalService) Calls() Calls {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Calls{
		SetModeCalled:      f.SetModeCalled,
		SetModeIndex:       f.SetModeIndex,
		SetModeArg:         f.SetModeArg,
		SetThresholdCalled: f.SetThresholdCalled,
		SetThresholdIndex:  f.SetThresholdIndex,
		SetThresholdArg:    f.SetThresholdArg,
		StartRampCalled:    f.StartRampCalled,
		StartRampIndex:     f.StartRampIndex,
		StartRampTarget:    f.StartRampTarget,
		SetIP:              f.SetIP,
		SetMAC:             f.SetMAC,
		SetID:              f.SetID,
	}
}
