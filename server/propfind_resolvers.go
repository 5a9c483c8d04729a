package server

import (
	"context"
	"errors"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/cyp0633/caldora/internal/xml"
	"github.com/cyp0633/caldora/server/storage"
	"github.com/emersion/go-ical"
	"github.com/samber/mo"
)

// errPropNotFound marks a property that does not apply to a node.
var errPropNotFound = errors.New("property not found")

// Resolver resolves a single property for the given environment.
type Resolver func(env *propEnv) mo.Result[xml.Property]

// propEnv is the node a property is resolved for, together with the
// request it is resolved in.
type propEnv struct {
	ctx  context.Context
	h    *CaldavHandler
	rc   *RequestContext
	node *storage.Node
}

func (e *propEnv) href(p string, collection bool) string {
	return e.h.URLConverter.EncodePath(p, collection)
}

func notFound() mo.Result[xml.Property] { return mo.Err[xml.Property](errPropNotFound) }

func propOK(p xml.Property) mo.Result[xml.Property] { return mo.Ok(p) }

func hrefProperty(ns, name, href string) xml.Property {
	return xml.Property{Namespace: ns, Name: name, Children: []xml.Property{xml.NewProperty(xml.DAV, xml.TagHref, href)}}
}

// defaultComponents are accepted by calendar collections without a
// supported-calendar-component-set.
var defaultComponents = []string{ical.CompEvent, ical.CompToDo, ical.CompJournal, ical.CompFreeBusy}

var (
	propResourcetype = xml.Name(xml.DAV, xml.TagResourcetype)
	propGetETag      = xml.Name(xml.DAV, "getetag")
	propCalendarData = xml.Name(xml.CalDAV, xml.TagCalendarData)
	propTicketDisc   = xml.Name(xml.Ticket, "ticketdiscovery")
)

// liveProperties resolves the properties computed by the server.
var liveProperties = map[string]Resolver{
	storage.PropDisplayName: func(env *propEnv) mo.Result[xml.Property] {
		if env.node.DisplayName == "" {
			return notFound()
		}
		return propOK(xml.NewProperty(xml.DAV, "displayname", env.node.DisplayName))
	},
	propResourcetype: func(env *propEnv) mo.Result[xml.Property] {
		prop := xml.Property{Namespace: xml.DAV, Name: xml.TagResourcetype}
		switch env.node.Variant() {
		case storage.VariantCalendarCollection:
			prop.Children = []xml.Property{{Namespace: xml.DAV, Name: xml.TagCollection}, {Namespace: xml.CalDAV, Name: xml.TagCalendar}}
		case storage.VariantCollection:
			prop.Children = []xml.Property{{Namespace: xml.DAV, Name: xml.TagCollection}}
		}
		return propOK(prop)
	},
	propGetETag: func(env *propEnv) mo.Result[xml.Property] {
		return propOK(xml.NewProperty(xml.DAV, "getetag", env.node.ETag))
	},
	xml.Name(xml.DAV, "getlastmodified"): func(env *propEnv) mo.Result[xml.Property] {
		return propOK(xml.NewProperty(xml.DAV, "getlastmodified", env.node.Modified.UTC().Format(http.TimeFormat)))
	},
	xml.Name(xml.DAV, "creationdate"): func(env *propEnv) mo.Result[xml.Property] {
		return propOK(xml.NewProperty(xml.DAV, "creationdate", env.node.Created.UTC().Format(time.RFC3339)))
	},
	xml.Name(xml.DAV, "getcontenttype"): func(env *propEnv) mo.Result[xml.Property] {
		if env.node.IsCollection() {
			return notFound()
		}
		return propOK(xml.NewProperty(xml.DAV, "getcontenttype", env.node.ContentType()))
	},
	xml.Name(xml.DAV, "getcontentlength"): func(env *propEnv) mo.Result[xml.Property] {
		if env.node.IsCollection() {
			return notFound()
		}
		return propOK(xml.NewProperty(xml.DAV, "getcontentlength", strconv.Itoa(len(env.node.Item.Bytes()))))
	},
	xml.Name(xml.CalendarServer, "getctag"): func(env *propEnv) mo.Result[xml.Property] {
		if !env.node.IsCollection() {
			return notFound()
		}
		ctag, err := env.h.Store.CTag(env.ctx, env.node.Path)
		if err != nil {
			env.h.Logger.Error("failed to compute ctag", "path", env.node.Path, "error", err)
			return mo.Err[xml.Property](err)
		}
		return propOK(xml.NewProperty(xml.CalendarServer, "getctag", ctag))
	},
	xml.Name(xml.DAV, "supported-report-set"): func(env *propEnv) mo.Result[xml.Property] {
		if !env.node.IsCollection() {
			return notFound()
		}
		prop := xml.Property{Namespace: xml.DAV, Name: "supported-report-set"}
		for _, report := range []string{"calendar-query", "calendar-multiget", "free-busy-query"} {
			prop.Children = append(prop.Children, xml.Property{Namespace: xml.DAV, Name: "supported-report", Children: []xml.Property{
				{Namespace: xml.DAV, Name: "report", Children: []xml.Property{{Namespace: xml.CalDAV, Name: report}}},
			}})
		}
		return propOK(prop)
	},
	xml.Name(xml.CalDAV, "supported-calendar-component-set"): func(env *propEnv) mo.Result[xml.Property] {
		if !env.node.IsCalendarCollection() {
			return notFound()
		}
		comps := env.node.Collection.SupportedComponents
		if len(comps) == 0 {
			comps = defaultComponents
		}
		prop := xml.Property{Namespace: xml.CalDAV, Name: "supported-calendar-component-set"}
		for _, c := range comps {
			comp := xml.Property{Namespace: xml.CalDAV, Name: "comp"}
			comp.SetAttr("name", c)
			prop.Children = append(prop.Children, comp)
		}
		return propOK(prop)
	},
	xml.Name(xml.CalDAV, "supported-calendar-data"): func(env *propEnv) mo.Result[xml.Property] {
		if !env.node.IsCalendarCollection() {
			return notFound()
		}
		data := xml.Property{Namespace: xml.CalDAV, Name: xml.TagCalendarData}
		data.SetAttr("content-type", "text/calendar")
		data.SetAttr("version", "2.0")
		return propOK(xml.Property{Namespace: xml.CalDAV, Name: "supported-calendar-data", Children: []xml.Property{data}})
	},
	xml.Name(xml.CalDAV, "max-resource-size"): func(env *propEnv) mo.Result[xml.Property] {
		if !env.node.IsCalendarCollection() {
			return notFound()
		}
		return propOK(xml.NewProperty(xml.CalDAV, "max-resource-size", strconv.Itoa(maxBodyBytes)))
	},
	propCalendarTimezoneID: func(env *propEnv) mo.Result[xml.Property] {
		if !env.node.IsCalendarCollection() || env.node.Collection.TimeZone == "" {
			return notFound()
		}
		return propOK(xml.NewProperty(xml.CalDAV, "calendar-timezone-id", env.node.Collection.TimeZone))
	},
	storage.PropScheduleTransp: func(env *propEnv) mo.Result[xml.Property] {
		if !env.node.IsCalendarCollection() {
			return notFound()
		}
		value := "opaque"
		if env.node.Collection.ExcludeFreeBusyRollup {
			value = "transparent"
		}
		return propOK(xml.Property{Namespace: xml.CalDAV, Name: "schedule-calendar-transp", Children: []xml.Property{{Namespace: xml.CalDAV, Name: value}}})
	},
	propCalendarData: func(env *propEnv) mo.Result[xml.Property] {
		if env.node.Variant() != storage.VariantCalendarItem {
			return notFound()
		}
		return propOK(xml.NewProperty(xml.CalDAV, xml.TagCalendarData, env.node.Item.Text))
	},
	xml.Name(xml.DAV, "lockdiscovery"): func(env *propEnv) mo.Result[xml.Property] {
		locks, err := env.h.Store.Locks(env.ctx, env.node.Path)
		if err != nil {
			return mo.Err[xml.Property](err)
		}
		return propOK(xml.LockDiscovery(env.h.activeLocks(locks)))
	},
	xml.Name(xml.DAV, "supportedlock"): func(env *propEnv) mo.Result[xml.Property] {
		prop := xml.Property{Namespace: xml.DAV, Name: "supportedlock"}
		for _, scope := range []string{"exclusive", "shared"} {
			prop.Children = append(prop.Children, xml.Property{Namespace: xml.DAV, Name: "lockentry", Children: []xml.Property{
				{Namespace: xml.DAV, Name: "lockscope", Children: []xml.Property{{Namespace: xml.DAV, Name: scope}}},
				{Namespace: xml.DAV, Name: "locktype", Children: []xml.Property{{Namespace: xml.DAV, Name: "write"}}},
			}})
		}
		return propOK(prop)
	},
	xml.Name(xml.DAV, "owner"): func(env *propEnv) mo.Result[xml.Property] {
		owner := storage.PrincipalOf(env.node.Path)
		if owner == "" {
			return notFound()
		}
		return propOK(hrefProperty(xml.DAV, "owner", env.href(storage.PrincipalHome(owner), true)))
	},
	xml.Name(xml.DAV, "current-user-principal"): func(env *propEnv) mo.Result[xml.Property] {
		if env.rc.Principal == nil {
			return propOK(xml.Property{Namespace: xml.DAV, Name: "current-user-principal", Children: []xml.Property{{Namespace: xml.DAV, Name: "unauthenticated"}}})
		}
		return propOK(hrefProperty(xml.DAV, "current-user-principal", env.href(storage.PrincipalHome(env.rc.Principal.ID), true)))
	},
	xml.Name(xml.CalDAV, "calendar-home-set"): func(env *propEnv) mo.Result[xml.Property] {
		owner := storage.PrincipalOf(env.node.Path)
		if owner == "" && env.rc.Principal != nil {
			owner = env.rc.Principal.ID
		}
		if owner == "" {
			return notFound()
		}
		return propOK(hrefProperty(xml.CalDAV, "calendar-home-set", env.href(storage.PrincipalHome(owner), true)))
	},
	propTicketDisc: func(env *propEnv) mo.Result[xml.Property] {
		infos := make([]xml.TicketInfo, 0, len(env.node.Tickets))
		for _, t := range env.h.ticketsOn(env.ctx, env.rc, env.node) {
			infos = append(infos, env.h.ticketInfo(t))
		}
		return propOK(xml.TicketDiscovery(infos))
	},
}

// allProperties are returned for allprop requests, together with the
// dead properties of a node.
var allProperties = []string{
	storage.PropDisplayName,
	propResourcetype,
	propGetETag,
	xml.Name(xml.DAV, "getlastmodified"),
	xml.Name(xml.DAV, "creationdate"),
	xml.Name(xml.DAV, "getcontenttype"),
	xml.Name(xml.DAV, "getcontentlength"),
	xml.Name(xml.DAV, "lockdiscovery"),
	xml.Name(xml.DAV, "supportedlock"),
}

// resolve resolves name for env. Dead properties come from the node.
func resolve(env *propEnv, name string) mo.Result[xml.Property] {
	if r, ok := liveProperties[name]; ok {
		return r(env)
	}
	if v, ok := env.node.Properties[name]; ok {
		ns, local := xml.SplitName(name)
		return mo.Ok(xml.NewProperty(ns, local, v))
	}
	return notFound()
}

// resolveWith resolves names and splits them into found properties and
// missing names. Resolver failures other than errPropNotFound are
// reported as missing after logging.
func resolveWith(env *propEnv, names []string) (found []xml.Property, missing []string) {
	for _, name := range names {
		prop, err := resolve(env, name).Get()
		switch {
		case err == nil:
			found = append(found, prop)
		case errors.Is(err, errPropNotFound):
			missing = append(missing, name)
		default:
			env.h.Logger.Error("failed to resolve property", "path", env.node.Path, "property", name, "error", err)
			missing = append(missing, name)
		}
	}
	return found, missing
}

// propNames lists the properties defined on env's node.
func propNames(env *propEnv) []xml.Property {
	var out []xml.Property
	for _, name := range slices.Sorted(maps.Keys(liveProperties)) {
		if _, err := liveProperties[name](env).Get(); err == nil {
			out = append(out, xml.EmptyProperty(name))
		}
	}
	for _, name := range slices.Sorted(maps.Keys(env.node.Properties)) {
		out = append(out, xml.EmptyProperty(name))
	}
	return out
}

// allPropNames lists the names returned for allprop on env's node.
func allPropNames(env *propEnv) []string {
	names := slices.Clone(allProperties)
	return append(names, slices.Sorted(maps.Keys(env.node.Properties))...)
}
