package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/kwv/simreg/icp"
	"github.com/kwv/simreg/station"
)

// maxRegisterBody caps POST /api/register payloads
const maxRegisterBody = 64 << 20

// registerRequest is the body of POST /api/register. Without a target the
// service target is used, and only then is the pose recorded for SensorID.
type registerRequest struct {
	SensorID       string                      `json:"sensorId,omitempty"`
	Source         station.Cloud               `json:"source"`
	Target         *station.Cloud              `json:"target,omitempty"`
	Registration   *station.RegistrationConfig `json:"registration,omitempty"`
	IncludeAligned bool                        `json:"includeAligned,omitempty"`
}

type registerResponse struct {
	station.PoseUpdate
	Aligned *station.Cloud `json:"aligned,omitempty"`
}

// posesResponse is the body of GET /api/poses
type posesResponse struct {
	Target  string               `json:"target,omitempty"`
	Sensors []station.PoseUpdate `json:"sensors"`
	Status  station.ResultStatus `json:"status"`
}

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(a *App) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /healthz request from %s", r.RemoteAddr)
		target := a.Target()
		status := struct {
			Status       string    `json:"status"`
			Timestamp    time.Time `json:"timestamp"`
			TargetLoaded bool      `json:"targetLoaded"`
			TargetPoints int       `json:"targetPoints"`
			Sensors      int       `json:"sensors"`
		}{
			Status:       "ok",
			Timestamp:    time.Now(),
			TargetLoaded: target != nil,
			TargetPoints: target.Len(),
			Sensors:      len(a.Tracker.SensorIDs()),
		}
		writeJSON(w, http.StatusOK, status)
	})

	mux.HandleFunc("GET /api/poses", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /api/poses request from %s", r.RemoteAddr)
		cache := a.Tracker.Cache()

		expected := a.Tracker.SensorIDs()
		for _, sc := range a.config().Sensors {
			if _, ok := cache.Sensors[sc.ID]; !ok {
				expected = append(expected, sc.ID)
			}
		}

		resp := posesResponse{
			Target:  cache.Target,
			Sensors: make([]station.PoseUpdate, 0, len(cache.Sensors)),
			Status:  cache.Status(expected),
		}
		for _, id := range a.Tracker.SensorIDs() {
			if u, ok := cache.Sensors[id]; ok {
				resp.Sensors = append(resp.Sensors, u)
			}
		}
		writeJSON(w, http.StatusOK, resp)
	})

	mux.HandleFunc("GET /api/poses/{sensor}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("sensor")
		log.Printf("[HTTP] /api/poses/%s request from %s", id, r.RemoteAddr)
		u, ok := a.Tracker.Get(id)
		if !ok {
			http.Error(w, "No pose for sensor "+id, http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, u)
	})

	mux.HandleFunc("POST /api/register", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /api/register request from %s", r.RemoteAddr)

		var req registerRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRegisterBody)).Decode(&req); err != nil {
			http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		source := req.Source.Buffer()
		target := a.Target()
		if req.Target != nil {
			target = req.Target.Buffer()
		}
		if target == nil {
			http.Error(w, "No target cloud in request and none loaded", http.StatusBadRequest)
			return
		}

		sensorID := req.SensorID
		if sensorID == "" {
			sensorID = "request"
		}
		var cfg icp.Config
		if req.Registration != nil {
			cfg = req.Registration.ToICP()
		} else {
			cfg = a.registrationConfig(sensorID, a.Tracker.Cache())
		}

		res, update, err := a.register(r.Context(), sensorID, source, target, cfg)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, icp.ErrInvalidConfig) {
				status = http.StatusBadRequest
			}
			http.Error(w, err.Error(), status)
			return
		}

		if req.SensorID != "" && req.Target == nil {
			a.recordPose(update)
		}

		resp := registerResponse{PoseUpdate: update}
		if req.IncludeAligned {
			aligned := station.CloudFromBuffer(res.Aligned)
			resp.Aligned = &aligned
		}
		writeJSON(w, http.StatusOK, resp)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}
