package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/cyp0633/caldora/internal/xml"
	"github.com/cyp0633/caldora/server/storage"
	"github.com/cyp0633/caldora/server/ticket"
)

func (h *CaldavHandler) handlePropfind(w http.ResponseWriter, r *http.Request, rc *RequestContext) {
	depth, err := storage.ParseDepth(r.Header.Get(headerDepth), storage.DepthInfinity)
	if err != nil {
		h.writeError(w, r, storage.BadRequest("invalid Depth header: %v", err))
		return
	}
	doc, err := xml.ReadDocument(r.Body)
	if err != nil && !errors.Is(err, xml.ErrEmptyBody) {
		h.writeError(w, r, storage.BadRequest("%v", err))
		return
	}
	req, err := xml.ParsePropfind(doc)
	if err != nil {
		h.writeError(w, r, storage.BadRequest("%v", err))
		return
	}

	ms := &xml.MultistatusResponse{}
	err = h.guard(r.Context(), rc, rc.Path, ticket.Read, func(ctx context.Context) error {
		nodes, err := h.Store.Snapshot(ctx, rc.Path, depth)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			if !h.visible(ctx, rc, n.Path) {
				continue
			}
			ms.Responses = append(ms.Responses, h.propResponse(ctx, rc, n, req))
		}
		return nil
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.Logger.Debug("propfind served", "path", rc.Path, "depth", depth, "responses", len(ms.Responses))
	h.writeMultistatus(w, ms)
}

// propResponse builds the multistatus response of one node.
func (h *CaldavHandler) propResponse(ctx context.Context, rc *RequestContext, n *storage.Node, req *xml.PropfindRequest) xml.Response {
	env := &propEnv{ctx: ctx, h: h, rc: rc, node: n}
	href := h.URLConverter.EncodePath(n.Path, n.IsCollection())
	switch {
	case req.PropNames:
		return xml.NewPropResponse(href, propNames(env), nil)
	case req.AllProp:
		found, _ := resolveWith(env, allPropNames(env))
		return xml.NewPropResponse(href, found, nil)
	default:
		found, missing := resolveWith(env, req.Props)
		return xml.NewPropResponse(href, found, missing)
	}
}
