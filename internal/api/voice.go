package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/cognigraph/backend/internal/events"
	"github.com/cognigraph/backend/internal/redact"
)

// Voice collaborator endpoints. The voice pipeline itself lives
// elsewhere; this surface only records its lifecycle as events. Raw
// audio never enters this service: payloads carry hashes and lengths.

// rawAudioKeys are rejected outright on any voice endpoint.
var rawAudioKeys = []string{"audio", "audio_b64", "audio_base64", "pcm", "wav"}

func hasRawAudio(payload map[string]interface{}) bool {
	for _, k := range rawAudioKeys {
		if _, ok := payload[k]; ok {
			return true
		}
	}
	return false
}

func (s *Server) decodeVoice(w http.ResponseWriter, r *http.Request) (map[string]interface{}, bool) {
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "bus unavailable")
		return nil, false
	}
	var payload map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	if hasRawAudio(payload) {
		s.bus.Emit(events.KindVoiceError, asString(payload["conversation_id"]), "", map[string]interface{}{
			"session_id": asString(payload["session_id"]),
			"reason":     "raw_audio_rejected",
		})
		writeError(w, http.StatusUnprocessableEntity, "raw audio is not accepted; send hashes only")
		return nil, false
	}
	return payload, true
}

func (s *Server) handleVoiceSession(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.decodeVoice(w, r)
	if !ok {
		return
	}

	sessionID := uuid.NewString()
	convID := asString(payload["conversation_id"])
	traceID := uuid.NewString()

	s.bus.Emit(events.KindVoiceSessionStarted, convID, traceID, map[string]interface{}{
		"session_id": sessionID,
	})
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"session_id": sessionID,
		"trace_id":   traceID,
	})
}

func (s *Server) handleVoiceASR(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.decodeVoice(w, r)
	if !ok {
		return
	}
	sessionID := asString(payload["session_id"])
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	out := map[string]interface{}{"session_id": sessionID}
	// A transcript arriving in clear is reduced to hash and length
	// before it reaches the bus.
	if text := asString(payload["transcript"]); text != "" {
		out["transcript_hash"] = redact.HashString(text)
		out["transcript_len"] = len(text)
	} else if h := asString(payload["transcript_hash"]); h != "" {
		out["transcript_hash"] = h
	}

	s.bus.Emit(events.KindVoiceASRFinal, asString(payload["conversation_id"]), asString(payload["trace_id"]), out)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"session_id": sessionID})
}

func (s *Server) handleVoiceTTS(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.decodeVoice(w, r)
	if !ok {
		return
	}
	sessionID := asString(payload["session_id"])
	audioHash := asString(payload["audio_hash"])
	if sessionID == "" || audioHash == "" {
		writeError(w, http.StatusBadRequest, "session_id and audio_hash are required")
		return
	}

	out := map[string]interface{}{
		"session_id": sessionID,
		"audio_hash": audioHash,
	}
	if d, ok := payload["duration_ms"].(float64); ok {
		out["duration_ms"] = d
	}

	s.bus.Emit(events.KindVoiceTTSReady, asString(payload["conversation_id"]), asString(payload["trace_id"]), out)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"session_id": sessionID})
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}
