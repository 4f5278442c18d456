package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lanikai/dewarp"
)

const writeTimeout = 5 * time.Second

// server exposes camera status, control actions and a live event stream over
// HTTP.
type server struct {
	*http.Server

	cam      *dewarp.Camera
	upgrader websocket.Upgrader
}

func newServer(cam *dewarp.Camera) *server {
	router := http.NewServeMux()
	s := &server{
		Server: &http.Server{
			Handler:           router,
			ReadHeaderTimeout: writeTimeout,
		},
		cam: cam,
	}
	router.HandleFunc("/status", s.handleStatus)
	router.HandleFunc("/events", s.handleEvents)
	router.HandleFunc("/control/", s.handleControl)
	return s
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.cam.Stats()); err != nil {
		log.Warn("status: %v", err)
	}
}

// Actions accepted by POST /control/<action>.
var actions = map[string]func(*dewarp.Camera){
	"open":           (*dewarp.Camera).Open,
	"close":          (*dewarp.Camera).Close,
	"configure":      (*dewarp.Camera).Configure,
	"recreate":       (*dewarp.Camera).Recreate,
	"reopen":         (*dewarp.Camera).ForceReopen,
	"pause":          (*dewarp.Camera).Pause,
	"resume":         (*dewarp.Camera).Resume,
	"correction-on":  func(c *dewarp.Camera) { c.SetCorrection(true) },
	"correction-off": func(c *dewarp.Camera) { c.SetCorrection(false) },
}

func (s *server) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	action, ok := actions[strings.TrimPrefix(r.URL.Path, "/control/")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	action(s.cam)
	w.WriteHeader(http.StatusAccepted)
}

// eventMessage is the websocket form of an event.
type eventMessage struct {
	dewarp.Event
	Message string `json:"message"`
}

func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the handshake completes so the client sees every event
	// published after its dial returns.
	events := s.cam.Subscribe(32)
	defer s.cam.Unsubscribe(events)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("upgrade: %v", err)
		return
	}
	defer ws.Close()

	// Drain the read side so close frames are processed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case e, ok := <-events:
			if !ok {
				ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeTimeout))
				return
			}
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteJSON(eventMessage{e, e.String()}); err != nil {
				log.Debug("events: %v", err)
				return
			}
		}
	}
}
