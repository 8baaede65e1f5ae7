package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"time"

	"github.com/sjawhar/click2call/internal/call"
	"github.com/sjawhar/click2call/internal/chat"
	"github.com/sjawhar/click2call/internal/device"
	"github.com/sjawhar/click2call/internal/storage"
	"github.com/sjawhar/click2call/internal/widget"
)

var (
	idPattern   = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)
	datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
)

type CallStore interface {
	GetCallsByDate(date string) ([]storage.Call, error)
	GetCall(id string) (storage.Call, error)
	GetTranscript(callID string) ([]chat.Entry, error)
	GetDates() ([]string, error)
}

type Widget interface {
	SetupCall(ctx context.Context) error
	Hangup(ctx context.Context) error
	Status() widget.Status
}

type Devices interface {
	State() device.State
	UpdateMicrophone(ctx context.Context, deviceID string) bool
	UpdateCamera(ctx context.Context, deviceID string) bool
	UpdateSpeaker(ctx context.Context, deviceID string) bool
	SetAutoGainControl(ctx context.Context, on bool)
	SetNoiseSuppression(ctx context.Context, on bool)
}

type callDetail struct {
	storage.Call
	Transcript []chat.Entry `json:"transcript"`
}

type statusResponse struct {
	widget.Status
	PendingInvites []string `json:"pending_invites"`
	Controls       []string `json:"controls"`
}

func registerCallLogRoutes(mux *http.ServeMux, store CallStore) {
	mux.HandleFunc("GET /api/calls", func(w http.ResponseWriter, r *http.Request) {
		date := r.URL.Query().Get("date")
		if date == "" {
			date = time.Now().Format("2006-01-02")
		}
		if !datePattern.MatchString(date) {
			writeJSONError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}

		calls, err := store.GetCallsByDate(date)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list calls: %v", err))
			return
		}
		if calls == nil {
			calls = []storage.Call{}
		}
		writeJSON(w, http.StatusOK, calls)
	})

	mux.HandleFunc("GET /api/calls/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if !validID(id) {
			writeJSONError(w, http.StatusBadRequest, "invalid call id")
			return
		}

		c, err := store.GetCall(id)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, os.ErrNotExist) || errors.Is(err, sql.ErrNoRows) {
				status = http.StatusNotFound
			}
			writeJSONError(w, status, fmt.Sprintf("get call: %v", err))
			return
		}

		entries, err := store.GetTranscript(id)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get transcript: %v", err))
			return
		}
		if entries == nil {
			entries = []chat.Entry{}
		}
		writeJSON(w, http.StatusOK, callDetail{Call: c, Transcript: entries})
	})

	mux.HandleFunc("GET /api/dates", func(w http.ResponseWriter, _ *http.Request) {
		dates, err := store.GetDates()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list dates: %v", err))
			return
		}
		if dates == nil {
			dates = []string{}
		}
		writeJSON(w, http.StatusOK, dates)
	})
}

func registerCallRoutes(mux *http.ServeMux, wdg Widget, controls *Controls, prompter *Prompter) {
	mux.HandleFunc("POST /api/call", func(w http.ResponseWriter, r *http.Request) {
		// The call outlives the request that placed it.
		ctx := context.WithoutCancel(r.Context())
		if err := wdg.SetupCall(ctx); err != nil {
			writeJSONError(w, statusForCallError(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, wdg.Status())
	})

	mux.HandleFunc("POST /api/hangup", func(w http.ResponseWriter, r *http.Request) {
		if err := wdg.Hangup(context.WithoutCancel(r.Context())); err != nil {
			writeJSONError(w, statusForCallError(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, wdg.Status())
	})

	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, _ *http.Request) {
		resp := statusResponse{Status: wdg.Status(), PendingInvites: []string{}, Controls: []string{}}
		if prompter != nil {
			resp.PendingInvites = prompter.Pending()
		}
		if controls != nil {
			resp.Controls = controls.Bound()
		}
		writeJSON(w, http.StatusOK, resp)
	})

	if controls != nil {
		mux.HandleFunc("POST /api/controls/{id}", func(w http.ResponseWriter, r *http.Request) {
			id := r.PathValue("id")
			err := controls.Fire(context.WithoutCancel(r.Context()), id)
			switch {
			case errors.Is(err, ErrUnboundControl):
				writeJSONError(w, http.StatusConflict, err.Error())
			case err != nil:
				writeJSONError(w, statusForCallError(err), err.Error())
			default:
				writeJSON(w, http.StatusOK, map[string]string{"fired": id})
			}
		})
	}

	if prompter != nil {
		mux.HandleFunc("POST /api/incoming/{id}/{action}", func(w http.ResponseWriter, r *http.Request) {
			id := r.PathValue("id")
			if !validID(id) {
				writeJSONError(w, http.StatusBadRequest, "invalid invite id")
				return
			}

			var v call.Verdict
			switch r.PathValue("action") {
			case "accept":
				v = call.Allow
			case "reject":
				v = call.Reject
			default:
				writeJSONError(w, http.StatusNotFound, "unknown action")
				return
			}

			if err := prompter.Resolve(id, v); err != nil {
				writeJSONError(w, http.StatusNotFound, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"invite_id": id, "verdict": v.String()})
		})
	}
}

// deviceKinds maps the {kind} path segment to a device kind. The raw kind
// names are accepted as well.
var deviceKinds = map[string]device.Kind{
	"microphone":               device.AudioInput,
	"camera":                   device.VideoInput,
	"speaker":                  device.AudioOutput,
	string(device.AudioInput):  device.AudioInput,
	string(device.VideoInput):  device.VideoInput,
	string(device.AudioOutput): device.AudioOutput,
}

func registerDeviceRoutes(mux *http.ServeMux, devices Devices) {
	mux.HandleFunc("GET /api/devices", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, devices.State())
	})

	mux.HandleFunc("PUT /api/devices/{kind}", func(w http.ResponseWriter, r *http.Request) {
		kind, known := deviceKinds[r.PathValue("kind")]
		if !known {
			writeJSONError(w, http.StatusNotFound, "unknown device kind")
			return
		}

		var body struct {
			DeviceID string `json:"device_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DeviceID == "" {
			writeJSONError(w, http.StatusBadRequest, "device_id is required")
			return
		}

		ctx := context.WithoutCancel(r.Context())
		var ok bool
		switch kind {
		case device.AudioInput:
			ok = devices.UpdateMicrophone(ctx, body.DeviceID)
		case device.VideoInput:
			ok = devices.UpdateCamera(ctx, body.DeviceID)
		case device.AudioOutput:
			ok = devices.UpdateSpeaker(ctx, body.DeviceID)
		}
		if !ok {
			writeJSONError(w, http.StatusUnprocessableEntity, "device switch failed")
			return
		}
		writeJSON(w, http.StatusOK, devices.State())
	})

	mux.HandleFunc("PUT /api/audio-settings", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			AutoGainControl  *bool `json:"auto_gain_control"`
			NoiseSuppression *bool `json:"noise_suppression"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("decode body: %v", err))
			return
		}

		ctx := context.WithoutCancel(r.Context())
		if body.AutoGainControl != nil {
			devices.SetAutoGainControl(ctx, *body.AutoGainControl)
		}
		if body.NoiseSuppression != nil {
			devices.SetNoiseSuppression(ctx, *body.NoiseSuppression)
		}
		writeJSON(w, http.StatusOK, devices.State())
	})
}

func statusForCallError(err error) int {
	var werr *widget.Error
	switch {
	case errors.Is(err, widget.ErrCallInProgress), errors.Is(err, call.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, widget.ErrCallCancelled), errors.Is(err, call.ErrDialRejected), errors.Is(err, call.ErrAborted):
		return http.StatusConflict
	case errors.Is(err, call.ErrNoCall):
		return http.StatusConflict
	case errors.As(err, &werr):
		switch werr.Name {
		case widget.ConfigurationError:
			return http.StatusBadRequest
		case widget.DeviceAccessError:
			return http.StatusForbidden
		default:
			return http.StatusBadGateway
		}
	default:
		return http.StatusInternalServerError
	}
}

func validID(id string) bool {
	return idPattern.MatchString(id)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
