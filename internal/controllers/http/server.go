package httpctrl

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Agrid-Dev/thermalctl/internal/metrics"
	"github.com/Agrid-Dev/thermalctl/internal/ports"
	"github.com/Agrid-Dev/thermalctl/internal/thermal"
)

type Server struct {
	svc ports.ThermalService
	srv *http.Server
}

// New returns a runnable server.
func New(svc ports.ThermalService, addr string) *Server {
	s := &Server{svc: svc}
	r := chi.NewRouter()

	r.Route("/v1", func(r chi.Router) {
		r.Get("/devices", s.handleListDevices)
		r.Get("/temperatures", s.handleReadAll)
		r.Route("/devices/{index}", func(r chi.Router) {
			r.Get("/", s.handleGetDevice)
			r.Get("/temperature", s.handleGetTemperature)

			// Write: one endpoint per variable
			r.Post("/mode", s.handlePostMode)
			r.Post("/threshold", s.handlePostThreshold)
			r.Post("/ramp", s.handlePostRamp)

			r.Get("/network", s.handleGetNetwork)
			r.Post("/network", s.handlePostNetwork)
			r.Post("/id", s.handlePostID)
			r.Get("/sensor", s.handleGetSensor)
			r.Post("/debug", s.handlePostDebug)
		})
		r.Get("/lookup", s.handleLookup)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// ---- DTOs ----

type deviceDTO struct {
	Index       int        `json:"index"`
	Port        string     `json:"port"`
	Dialect     string     `json:"dialect"`
	Channel     int        `json:"channel"`
	Firmware    string     `json:"firmware"`
	Identity    string     `json:"identity"`
	Temperature *float64   `json:"temperature,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

type readingDTO struct {
	Index       int       `json:"index"`
	Temperature float64   `json:"temperature"`
	ReadAt      time.Time `json:"read_at"`
}

type resultDTO struct {
	Start      float64   `json:"start"`
	Throttled  bool      `json:"throttled"`
	Steps      []float64 `json:"steps"`
	Aborted    bool      `json:"aborted"`
	FinalDelta float64   `json:"final_delta"`
	Converged  bool      `json:"converged"`
}

type jobDTO struct {
	ID       string     `json:"id"`
	Index    int        `json:"index"`
	Target   float64    `json:"target"`
	State    string     `json:"state"`
	Code     int        `json:"code"`
	Error    string     `json:"error,omitempty"`
	Started  time.Time  `json:"started"`
	Finished *time.Time `json:"finished,omitempty"`
	Result   *resultDTO `json:"result,omitempty"`
}

type networkDTO struct {
	Index int    `json:"index"`
	IP    string `json:"ip,omitempty"`
	MAC   string `json:"mac,omitempty"`
}

func toDeviceDTO(info thermal.DeviceInfo, last map[int]thermal.Reading) deviceDTO {
	dto := deviceDTO{
		Index:    info.Index,
		Port:     info.PortName,
		Dialect:  info.Dialect.String(),
		Channel:  int(info.Channel),
		Firmware: info.Firmware.String(),
		Identity: info.Identity,
	}
	if r, ok := last[info.Index]; ok {
		dto.Temperature = &r.Temperature
		dto.ReadAt = &r.At
	}
	return dto
}

func toJobDTO(j thermal.Job) jobDTO {
	dto := jobDTO{
		ID:      j.ID,
		Index:   j.Index,
		Target:  j.Target,
		State:   j.State.String(),
		Code:    j.Code,
		Error:   j.Err,
		Started: j.Started,
	}
	if j.State != thermal.JobRunning {
		dto.Finished = &j.Finished
		dto.Result = &resultDTO{
			Start:      j.Result.Start,
			Throttled:  j.Result.Throttled,
			Steps:      j.Result.Steps,
			Aborted:    j.Result.Aborted,
			FinalDelta: j.Result.FinalDelta,
			Converged:  j.Result.Converged,
		}
	}
	return dto
}

// ---- Handlers ----

func (s *Server) lastReadings() map[int]thermal.Reading {
	out := map[int]thermal.Reading{}
	for _, r := range s.svc.Readings() {
		out[r.Index] = r
	}
	return out
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	last := s.lastReadings()
	infos := s.svc.Devices()
	out := make([]deviceDTO, 0, len(infos))
	for _, info := range infos {
		out = append(out, toDeviceDTO(info, last))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	index, ok := deviceIndex(w, r)
	if !ok {
		return
	}
	for _, info := range s.svc.Devices() {
		if info.Index == index {
			writeJSON(w, http.StatusOK, toDeviceDTO(info, s.lastReadings()))
			return
		}
	}
	writeServiceErr(w, thermal.ErrDeviceNotFound)
}

func (s *Server) handleGetTemperature(w http.ResponseWriter, r *http.Request) {
	index, ok := deviceIndex(w, r)
	if !ok {
		return
	}
	v, err := s.svc.Temperature(r.Context(), index)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"index":       index,
		"temperature": v,
		"plausible":   thermal.Plausible(v),
	})
}

func (s *Server) handleReadAll(w http.ResponseWriter, r *http.Request) {
	readings, err := s.svc.ReadAll(r.Context())
	out := make([]readingDTO, 0, len(readings))
	for _, rd := range readings {
		out = append(out, readingDTO{Index: rd.Index, Temperature: rd.Temperature, ReadAt: rd.At})
	}
	body := map[string]any{"readings": out}
	if err != nil {
		body["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handlePostMode(w http.ResponseWriter, r *http.Request) {
	// body: {"value": "fan"}
	postValue(w, r, func(index int, v string) error {
		m, err := thermal.ParseMode(v)
		if err != nil {
			return err
		}
		return s.svc.SetMode(r.Context(), index, m)
	})
}

func (s *Server) handlePostThreshold(w http.ResponseWriter, r *http.Request) {
	postValue(w, r, func(index int, v float64) error {
		return s.svc.SetThreshold(r.Context(), index, v)
	})
}

func (s *Server) handlePostRamp(w http.ResponseWriter, r *http.Request) {
	index, ok := deviceIndex(w, r)
	if !ok {
		return
	}
	v, ok := decodeValue[float64](w, r)
	if !ok {
		return
	}
	job, err := s.svc.StartRamp(index, v)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	w.Header().Set("Location", "/v1/jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, toJobDTO(job))
}

func (s *Server) handleGetNetwork(w http.ResponseWriter, r *http.Request) {
	index, ok := deviceIndex(w, r)
	if !ok {
		return
	}
	info, err := s.svc.Network(r.Context(), index)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, networkDTO{Index: info.Index, IP: info.IP, MAC: info.MAC})
}

func (s *Server) handlePostNetwork(w http.ResponseWriter, r *http.Request) {
	// body: {"ip": "10.0.0.5", "mac": "02:00:00:00:00:05"}; either may be omitted
	index, ok := deviceIndex(w, r)
	if !ok {
		return
	}
	var req networkDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.svc.SetNetwork(r.Context(), index, req.IP, req.MAC); err != nil {
		writeServiceErr(w, err)
		return
	}
	req.Index = index
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handlePostID(w http.ResponseWriter, r *http.Request) {
	postValue(w, r, func(index int, v string) error {
		return s.svc.SetIdentity(r.Context(), index, v)
	})
}

func (s *Server) handleGetSensor(w http.ResponseWriter, r *http.Request) {
	index, ok := deviceIndex(w, r)
	if !ok {
		return
	}
	st, err := s.svc.Sensor(r.Context(), index)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"index": st.Index, "sensor": st.Sensor, "stable": st.Stable})
}

func (s *Server) handlePostDebug(w http.ResponseWriter, r *http.Request) {
	postValue(w, r, func(index int, v bool) error {
		return s.svc.SetDebug(index, v)
	})
}

// handleLookup resolves ?id=<pattern> or ?port=<pattern> to a device.
func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	index, err := s.svc.Lookup(q.Get("id"), q.Get("port"))
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	for _, info := range s.svc.Devices() {
		if info.Index == index {
			writeJSON(w, http.StatusOK, toDeviceDTO(info, s.lastReadings()))
			return
		}
	}
	writeServiceErr(w, thermal.ErrDeviceNotFound)
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	jobs := s.svc.Jobs()
	out := make([]jobDTO, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobDTO(j))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Job(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobDTO(job))
}

// ---- generic helpers ----

func deviceIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid device index")
		return 0, false
	}
	return index, true
}

func decodeValue[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var zero T
	dec := json.NewDecoder(r.Body)
	var req struct {
		Value *T `json:"value"`
	}
	if err := dec.Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return zero, false
	}
	if req.Value == nil {
		writeErr(w, http.StatusBadRequest, "missing field 'value'")
		return zero, false
	}
	return *req.Value, true
}

func postValue[T any](w http.ResponseWriter, r *http.Request, apply func(int, T) error) {
	index, ok := deviceIndex(w, r)
	if !ok {
		return
	}
	v, ok := decodeValue[T](w, r)
	if !ok {
		return
	}
	if err := apply(index, v); err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"index": index, "value": v})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, thermal.ErrDeviceNotFound), errors.Is(err, thermal.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, thermal.ErrInvalidArgument), errors.Is(err, thermal.ErrMalformedArguments),
		errors.Is(err, thermal.ErrInvalidMode):
		return http.StatusBadRequest
	case errors.Is(err, thermal.ErrDeviceBusy):
		return http.StatusConflict
	case errors.Is(err, thermal.ErrUnsupported):
		return http.StatusNotImplemented
	default:
		return http.StatusBadGateway
	}
}

func writeServiceErr(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]any{
		"error": err.Error(),
		"code":  thermal.FailureCode(err),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
