package server

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/beevik/etree"
	"github.com/cyp0633/caldora/internal/xml"
	"github.com/cyp0633/caldora/server/storage"
	"github.com/cyp0633/caldora/server/ticket"
)

// normalizeUpdate turns structured property values into text. The
// schedule-calendar-transp value is the name of its child element; other
// structured values keep their serialized children.
func normalizeUpdate(u *xml.PropertyUpdate) {
	for name, elem := range u.Elements {
		children := elem.ChildElements()
		if len(children) == 0 {
			continue
		}
		if name == storage.PropScheduleTransp {
			u.Set[name] = children[0].Tag
			continue
		}
		var parts []string
		for _, c := range children {
			doc := etree.NewDocument()
			doc.SetRoot(c.Copy())
			if s, err := doc.WriteToString(); err == nil {
				parts = append(parts, strings.TrimSpace(s))
			}
		}
		u.Set[name] = strings.Join(parts, "")
	}
}

func (h *CaldavHandler) handleProppatch(w http.ResponseWriter, r *http.Request, rc *RequestContext) {
	doc, err := xml.ReadDocument(r.Body)
	if err != nil {
		h.writeError(w, r, storage.BadRequest("%v", err))
		return
	}
	u, err := xml.ParseProppatch(doc)
	if err != nil {
		h.writeError(w, r, storage.BadRequest("%v", err))
		return
	}
	normalizeUpdate(u)

	var protected []string
	for _, name := range u.Order {
		if _, ok := liveProperties[name]; ok && name != storage.PropDisplayName && name != storage.PropScheduleTransp {
			protected = append(protected, name)
		}
	}

	var (
		node *storage.Node
		resp xml.Response
	)
	err = h.guard(r.Context(), rc, rc.Path, ticket.ReadWrite, func(ctx context.Context) error {
		n, err := h.Store.Resolve(ctx, rc.Path)
		if err != nil {
			return err
		}
		node = n
		href := h.URLConverter.EncodePath(n.Path, n.IsCollection())
		if len(protected) > 0 {
			resp = patchFailure(href, u.Order, protected)
			return nil
		}
		ifMatch := etagCondition(r.Header.Get(headerIfMatch)).OrEmpty()
		if ifMatch == "*" {
			ifMatch = ""
		}
		if _, err := h.Store.SetProperties(ctx, rc.Path, ifMatch, u.Set, u.Remove, h.mutationOptions(rc)...); err != nil {
			return err
		}
		ps := xml.PropStat{Status: xml.Status(http.StatusOK)}
		for _, name := range u.Order {
			ps.Props = append(ps.Props, xml.EmptyProperty(name))
		}
		resp = xml.Response{Href: href, PropStats: []xml.PropStat{ps}}
		return nil
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.Logger.Info("properties patched", "path", node.Path, "names", u.Order, "refused", protected)
	h.writeMultistatus(w, &xml.MultistatusResponse{Responses: []xml.Response{resp}})
}

// patchFailure reports a PROPPATCH that touched protected properties.
// Nothing is applied, so every other property fails as a dependency.
func patchFailure(href string, names, protected []string) xml.Response {
	forbidden := xml.PropStat{Status: xml.Status(http.StatusForbidden)}
	failed := xml.PropStat{Status: xml.Status(http.StatusFailedDependency)}
	for _, name := range names {
		if slices.Contains(protected, name) {
			forbidden.Props = append(forbidden.Props, xml.EmptyProperty(name))
		} else {
			failed.Props = append(failed.Props, xml.EmptyProperty(name))
		}
	}
	resp := xml.Response{Href: href, PropStats: []xml.PropStat{forbidden}}
	if len(failed.Props) > 0 {
		resp.PropStats = append(resp.PropStats, failed)
	}
	resp.Error = &xml.Error{Namespace: xml.DAV, Tag: "cannot-modify-protected-property"}
	return resp
}

// writeMultistatus sends a 207 response.
func (h *CaldavHandler) writeMultistatus(w http.ResponseWriter, ms *xml.MultistatusResponse) {
	w.Header().Set(headerContentType, mimeTypeXML)
	w.WriteHeader(http.StatusMultiStatus)
	if _, err := ms.WriteTo(w); err != nil {
		h.Logger.Error("failed to write multistatus", "error", err)
	}
}
