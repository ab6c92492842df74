package library

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/playto/hub/internal/api"
	"github.com/playto/hub/internal/apperrors"
	"github.com/playto/hub/internal/playto"
)

// RegisterRoutes mounts the listing endpoint and the media endpoints the
// stream URL builder points renderers at.
func RegisterRoutes(router chi.Router, l *Library) {
	router.Method(http.MethodGet, "/v1/library/items", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		return api.WriteList(w, r.URL.Path, l.All())
	}))

	router.Get("/Videos/{itemID}/stream.mkv", serveMedia(l, playto.MediaTypeVideo))
	router.Get("/Audio/{itemID}/stream.mp3", serveMedia(l, playto.MediaTypeAudio))
	router.Get("/Items/{itemID}/Images/Primary", serveMedia(l, playto.MediaTypePhoto))
}

// serveMedia streams the file with the DLNA transfer headers renderers
// expect. Range requests are handled by http.ServeFile.
func serveMedia(l *Library, mediaType playto.MediaType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		item, ok := l.Get(chi.URLParam(r, "itemID"))
		if !ok || item.MediaType != mediaType {
			api.WriteError(w, r, apperrors.NewNotFoundResource("item", chi.URLParam(r, "itemID")))
			return
		}

		transferMode := "Streaming"
		if mediaType == playto.MediaTypePhoto {
			transferMode = "Interactive"
		}
		w.Header().Set("Content-Type", item.MimeType)
		w.Header().Set("transferMode.dlna.org", transferMode)
		w.Header().Set("contentFeatures.dlna.org", "DLNA.ORG_OP=01;DLNA.ORG_CI=0;DLNA.ORG_FLAGS=01500000000000000000000000000000")
		http.ServeFile(w, r, item.Path)
	}
}
