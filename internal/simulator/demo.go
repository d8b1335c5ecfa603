package simulator

import "github.com/Agrid-Dev/thermalctl/internal/thermal"

// DemoNetworkAddress is where DemoBus attaches its network-reachable controller.
const DemoNetworkAddress = "192.0.2.10:23"

// DemoBus returns a bus with one controller of each dialect plus a
// network-reachable modern controller, all resting at ambient.
//
//	ttyS0    legacy ascii, firmware 1.0
//	ttyUSB0  modern ascii 2.0.9 (throttled), sensors on both channels
//	ttyUSB1  binary checksum
//	192.0.2.10:23  modern ascii 2.1.4
func DemoBus(ambient float64) (*Bus, error) {
	model := ModelParams{Ambient: ambient, Coefficient: 0.05, Rate: 2}
	room := [2]float64{ambient, ambient}

	cfgs := []struct {
		addr string
		cfg  Config
	}{
		{cfg: Config{Name: "ttyS0", Dialect: thermal.DialectLegacyASCII, Temps: room, Model: model}},
		{cfg: Config{Name: "ttyUSB0", Dialect: thermal.DialectModernASCII, Firmware: "2.0.9",
			Identity: "bench-a", IP: "10.0.0.21", MAC: "02:00:00:00:00:21", Temps: room, Channel2: true, Model: model}},
		{cfg: Config{Name: "ttyUSB1", Dialect: thermal.DialectBinaryChecksum, Temps: room, Model: model}},
		{addr: DemoNetworkAddress, cfg: Config{Name: DemoNetworkAddress, Dialect: thermal.DialectModernASCII,
			Firmware: "2.1.4", Identity: "bench-net", IP: "192.0.2.10", MAC: "02:00:00:00:00:10", Temps: room, Model: model}},
	}

	bus := NewBus()
	for _, c := range cfgs {
		d, err := New(c.cfg)
		if err != nil {
			return nil, err
		}
		if c.addr != "" {
			bus.AddNetwork(c.addr, d)
			continue
		}
		bus.AddSerial(d)
	}
	return bus, nil
}
