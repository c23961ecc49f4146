package handlers

import (
	"net/http"

	"github.com/go-chi/render"

	"github.com/alessandro-massarenti/D-LAN/internal/download"
	"github.com/alessandro-massarenti/D-LAN/internal/protocol"
)

// DownloadView is the wire representation of one queued download.
type DownloadView struct {
	ID         uint64 `json:"id"`
	Type       string `json:"type"`
	Path       string `json:"path"`
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	PeerSource string `json:"peer_source"`
	Status     string `json:"status"`
	Downloaded int64  `json:"downloaded,omitempty"`
	Rate       int64  `json:"rate,omitempty"`
}

type addRequest struct {
	Entry  protocol.Entry `json:"entry"`
	PeerID protocol.Hash  `json:"peer_id"`
}

type idsRequest struct {
	IDs          []uint64 `json:"ids"`
	CompleteOnly bool     `json:"complete_only,omitempty"`
}

func toView(d download.Download) DownloadView {
	v := DownloadView{
		ID:         d.ID(),
		Type:       "file",
		Path:       d.Entry().Path,
		Name:       d.Entry().Name,
		Size:       d.Entry().Size,
		PeerSource: d.PeerSourceID().String(),
		Status:     d.Status().String(),
	}
	switch dl := d.(type) {
	case *download.FileDownload:
		v.Downloaded = dl.DownloadedBytes()
		v.Rate = dl.GetDownloadRate()
	case *download.DirDownload:
		v.Type = "dir"
	}
	return v
}

func ListDownloads(dm *download.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		downloads := dm.GetDownloads()
		views := make([]DownloadView, 0, len(downloads))
		for _, d := range downloads {
			views = append(views, toView(d))
		}
		render.JSON(w, r, views)
	}
}

func AddDownload(dm *download.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req addRequest
		if err := render.DecodeJSON(r.Body, &req); err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": err.Error()})
			return
		}
		if req.Entry.Name == "" {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "entry name is required"})
			return
		}

		dm.AddDownload(req.Entry, req.PeerID)
		render.Status(r, http.StatusAccepted)
		render.JSON(w, r, map[string]string{"status": "queued"})
	}
}

func PauseDownloads(dm *download.Manager, paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req idsRequest
		if err := render.DecodeJSON(r.Body, &req); err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": err.Error()})
			return
		}

		dm.PauseDownloads(req.IDs, paused)
		render.JSON(w, r, map[string]string{"status": "ok"})
	}
}

func RemoveDownloads(dm *download.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req idsRequest
		if err := render.DecodeJSON(r.Body, &req); err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": err.Error()})
			return
		}

		dm.RemoveDownloads(req.IDs, req.CompleteOnly)
		render.JSON(w, r, map[string]string{"status": "ok"})
	}
}

func RefreshQueue(dm *download.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dm.Refresh()
		render.JSON(w, r, map[string]string{"status": "ok"})
	}
}

func GetDownloadRate(dm *download.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]int64{"rate": dm.GetDownloadRate()})
	}
}

func Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]string{"status": "ok"})
	}
}
