package query

import (
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/cyp0633/caldora/server/storage"
	"github.com/samber/mo"
)

// timeRangeFormat is the UTC basic format of time-range bounds.
const timeRangeFormat = "20060102T150405Z"

// Query is a parsed calendar-query REPORT body.
type Query struct {
	// Props lists the requested properties in {namespace}local form.
	Props   []string
	AllProp bool
	Filter  *Filter
}

// Multiget is a parsed calendar-multiget REPORT body.
type Multiget struct {
	Props   []string
	AllProp bool
	Hrefs   []string
}

func badRequest(format string, args ...any) *storage.Error {
	return &storage.Error{Type: storage.ErrBadRequest, Message: fmt.Sprintf(format, args...)}
}

func readRoot(body, want string) (*etree.Element, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(body); err != nil {
		return nil, &storage.Error{Type: storage.ErrBadRequest, Message: "malformed XML body", Err: err}
	}
	root := doc.Root()
	if root == nil || !strings.EqualFold(root.Tag, want) {
		return nil, badRequest("expected <%s> body", want)
	}
	return root, nil
}

// ParseQuery parses a calendar-query REPORT body.
func ParseQuery(body string) (*Query, error) {
	root, err := readRoot(body, "calendar-query")
	if err != nil {
		return nil, err
	}
	q := &Query{}
	q.Props, q.AllProp = parseProps(root)

	filterElem := findElementIgnoreNS(root, "filter")
	if filterElem == nil {
		return nil, badRequest("calendar-query without filter")
	}
	q.Filter, err = ParseFilterElement(filterElem)
	if err != nil {
		return nil, err
	}
	return q, nil
}

// ParseMultiget parses a calendar-multiget REPORT body.
func ParseMultiget(body string) (*Multiget, error) {
	root, err := readRoot(body, "calendar-multiget")
	if err != nil {
		return nil, err
	}
	m := &Multiget{}
	m.Props, m.AllProp = parseProps(root)
	for _, h := range getElementsIgnoreNS(root, "href") {
		if href := strings.TrimSpace(h.Text()); href != "" {
			m.Hrefs = append(m.Hrefs, href)
		}
	}
	if len(m.Hrefs) == 0 {
		return nil, badRequest("calendar-multiget without href")
	}
	return m, nil
}

// ReportType returns the local name of the root element of a REPORT body.
func ReportType(body string) (string, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(body); err != nil {
		return "", &storage.Error{Type: storage.ErrBadRequest, Message: "malformed XML body", Err: err}
	}
	if doc.Root() == nil {
		return "", badRequest("empty REPORT body")
	}
	return doc.Root().Tag, nil
}

// ParseFreeBusyQuery parses a free-busy-query body. Both bounds of its
// time-range are required.
func ParseFreeBusyQuery(body string) (start, end time.Time, err error) {
	root, err := readRoot(body, "free-busy-query")
	if err != nil {
		return start, end, err
	}
	elem := findElementIgnoreNS(root, "time-range")
	if elem == nil {
		return start, end, badRequest("free-busy-query without time-range")
	}
	tr, err := parseTimeRange(elem)
	if err != nil {
		return start, end, err
	}
	s, okStart := tr.Start.Get()
	e, okEnd := tr.End.Get()
	if !okStart || !okEnd || !e.After(s) {
		return start, end, badRequest("free-busy-query needs a bounded, non-empty time-range")
	}
	return s, e, nil
}

// parseProps reads the <prop> or <allprop> child of a REPORT body.
func parseProps(root *etree.Element) ([]string, bool) {
	if findElementIgnoreNS(root, "allprop") != nil {
		return nil, true
	}
	prop := findElementIgnoreNS(root, "prop")
	if prop == nil {
		return nil, true
	}
	var names []string
	for _, child := range prop.ChildElements() {
		names = append(names, "{"+child.NamespaceURI()+"}"+child.Tag)
	}
	return names, false
}

// ParseFilter parses a standalone <filter> document.
func ParseFilter(body string) (*Filter, error) {
	root, err := readRoot(body, "filter")
	if err != nil {
		return nil, err
	}
	return ParseFilterElement(root)
}

// ParseFilterElement parses a <filter> element into a Filter structure
func ParseFilterElement(filterElem *etree.Element) (*Filter, error) {
	if filterElem == nil {
		return nil, badRequest("missing filter")
	}
	compFilters := getElementsIgnoreNS(filterElem, "comp-filter")
	if len(compFilters) != 1 || len(filterElem.ChildElements()) != 1 {
		return nil, badRequest("filter must hold exactly one comp-filter")
	}
	return parseCompFilter(compFilters[0])
}

// parseCompFilter recursively parses a comp-filter element
func parseCompFilter(elem *etree.Element) (*Filter, error) {
	filter := &Filter{
		Component: strings.ToUpper(elem.SelectAttrValue("name", "")),
		Test:      elem.SelectAttrValue("test", TestAllOf),
	}
	if filter.Component == "" {
		return nil, badRequest("comp-filter without name")
	}

	for _, child := range elem.ChildElements() {
		switch strings.ToLower(child.Tag) {
		case "is-not-defined":
			filter.IsNotDefined = true
		case "time-range":
			if filter.TimeRange != nil {
				return nil, badRequest("comp-filter %s has more than one time-range", filter.Component)
			}
			tr, err := parseTimeRange(child)
			if err != nil {
				return nil, err
			}
			filter.TimeRange = tr
		case "prop-filter":
			pf, err := parsePropFilter(child)
			if err != nil {
				return nil, err
			}
			filter.PropFilters = append(filter.PropFilters, pf)
		case "comp-filter":
			nested, err := parseCompFilter(child)
			if err != nil {
				return nil, err
			}
			filter.Children = append(filter.Children, *nested)
		default:
			return nil, badRequest("unexpected element <%s> in comp-filter", child.Tag)
		}
	}
	return filter, nil
}

// parsePropFilter parses a prop-filter element
func parsePropFilter(elem *etree.Element) (PropFilter, error) {
	pf := PropFilter{
		Name: strings.ToUpper(elem.SelectAttrValue("name", "")),
		Test: elem.SelectAttrValue("test", TestAllOf),
	}
	if pf.Name == "" {
		return pf, badRequest("prop-filter without name")
	}

	for _, child := range elem.ChildElements() {
		switch strings.ToLower(child.Tag) {
		case "is-not-defined":
			pf.IsNotDefined = true
		case "time-range":
			tr, err := parseTimeRange(child)
			if err != nil {
				return pf, err
			}
			pf.TimeRange = tr
		case "text-match":
			pf.TextMatch = parseTextMatch(child)
		case "param-filter":
			param, err := parseParamFilter(child)
			if err != nil {
				return pf, err
			}
			pf.ParamFilters = append(pf.ParamFilters, param)
		default:
			return pf, badRequest("unexpected element <%s> in prop-filter", child.Tag)
		}
	}
	return pf, nil
}

// parseParamFilter parses a param-filter element
func parseParamFilter(elem *etree.Element) (ParamFilter, error) {
	param := ParamFilter{
		Name: strings.ToUpper(elem.SelectAttrValue("name", "")),
	}
	if param.Name == "" {
		return param, badRequest("param-filter without name")
	}
	for _, child := range elem.ChildElements() {
		switch strings.ToLower(child.Tag) {
		case "is-not-defined":
			param.IsNotDefined = true
		case "text-match":
			param.TextMatch = parseTextMatch(child)
		default:
			return param, badRequest("unexpected element <%s> in param-filter", child.Tag)
		}
	}
	return param, nil
}

// parseTextMatch parses a text-match element
func parseTextMatch(elem *etree.Element) *TextMatch {
	return &TextMatch{
		Collation: elem.SelectAttrValue("collation", CollationASCIICasemap),
		MatchType: elem.SelectAttrValue("match-type", MatchContains),
		Negate:    elem.SelectAttrValue("negate-condition", "no") == "yes",
		Value:     elem.Text(),
	}
}

// parseTimeRange parses a time-range element. Bounds must be UTC
// date-times.
func parseTimeRange(elem *etree.Element) (*TimeRange, error) {
	tr := &TimeRange{}
	for _, bound := range []struct {
		attr string
		dst  *mo.Option[time.Time]
	}{{"start", &tr.Start}, {"end", &tr.End}} {
		s := elem.SelectAttrValue(bound.attr, "")
		if s == "" {
			continue
		}
		t, err := time.Parse(timeRangeFormat, s)
		if err != nil {
			return nil, &storage.Error{Type: storage.ErrBadRequest, Message: fmt.Sprintf("invalid time-range %s %q", bound.attr, s), Err: err}
		}
		*bound.dst = mo.Some(t)
	}
	return tr, nil
}

// Helper functions to handle namespaces. etree keeps the prefix in Space,
// so Tag is already the local name.

// getElementsIgnoreNS returns all child elements with the given local name, ignoring namespace
func getElementsIgnoreNS(parent *etree.Element, localName string) []*etree.Element {
	var elements []*etree.Element
	for _, child := range parent.ChildElements() {
		if strings.EqualFold(child.Tag, localName) {
			elements = append(elements, child)
		}
	}
	return elements
}

// findElementIgnoreNS finds the first child element with the given local name, ignoring namespace
func findElementIgnoreNS(parent *etree.Element, localName string) *etree.Element {
	elements := getElementsIgnoreNS(parent, localName)
	if len(elements) > 0 {
		return elements[0]
	}
	return nil
}
