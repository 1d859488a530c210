package wsbridge

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/deckcache/deckcache/log"
	"github.com/deckcache/deckcache/pkg/cache/engine"
	"github.com/deckcache/deckcache/pkg/cache/store"
)

// AssetRetriever is the engine surface the asset endpoint reads from.
type AssetRetriever interface {
	RetrieveAsset(ctx context.Context, assetURL string) (engine.Asset, error)
}

// AssetHandler serves decrypted cached assets over plain GET. Paths map 1:1
// onto store keys: GET /assets/media/x.png serves the record keyed
// "/media/x.png". An asset that cannot be decrypted is evicted by the
// retriever and answered 404, so the client falls back to the network like
// any other cache miss.
type AssetHandler struct {
	retriever AssetRetriever
	log       *log.LogHandle
}

// NewAssetHandler builds the asset endpoint over r.
func NewAssetHandler(r AssetRetriever) *AssetHandler {
	return &AssetHandler{retriever: r, log: log.GetLogger("wsbridge")}
}

func (h *AssetHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	assetURL := strings.TrimPrefix(r.URL.Path, "/assets")
	if assetURL == "" || assetURL == "/" {
		http.NotFound(w, r)
		return
	}

	asset, err := h.retriever.RetrieveAsset(r.Context(), assetURL)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		h.log.Errorf("retrieve %s: %v", assetURL, err)
		http.Error(w, "retrieve failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", asset.MimeType)
	w.Write(asset.Data)
}
