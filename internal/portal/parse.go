package portal

import (
	"net/url"
	"strconv"
	"strings"

	"gilfond_flats/internal/discovery"

	"github.com/PuerkitoBio/goquery"
)

const (
	programSelect  = `select[name="cmn_id"]`
	houseSelect    = `select[name="rty_id"]`
	flatTable      = `.flatList table`
	flatRows       = `.flatList table tr[id].open`
	priorityInputs = `table table.border_1 input[type="text"]`
	markedInputs   = `table table.border_1 tr[bgcolor="#FF0000"] input[type="text"]`
	caseField      = `input[name="numfile"]`
	passwordField  = `input[name="pass"]`
	buttons        = `input[type="submit"], input[type="button"], button`
	privateLinks   = `a[href*="requests.php"], a[href*="add_flat.php"]`

	welcomeMarker = "Уважаемые участники жилищных программ!"
)

func parseDocument(html string) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(strings.NewReader(html))
}

// leadingInt parses the integer prefix of s ("2-комн." -> 2); 0 when there is none.
func leadingInt(s string) int {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0
	}
	return n
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// parseOptions returns the non-blank option labels of the select matched by selector.
func parseOptions(doc *goquery.Document, selector string) ([]string, bool) {
	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return nil, false
	}

	var labels []string
	sel.Find("option").Each(func(_ int, opt *goquery.Selection) {
		label := cleanText(opt.Text())
		if label != "" {
			labels = append(labels, label)
		}
	})
	return labels, true
}

// parseRows extracts the open flats of the current house. Links are resolved
// against base.
func parseRows(doc *goquery.Document, base *url.URL) ([]discovery.Row, bool) {
	if doc.Find(flatTable).Length() == 0 {
		return nil, false
	}

	var rows []discovery.Row
	doc.Find(flatRows).Each(func(_ int, tr *goquery.Selection) {
		id, _ := tr.Attr("id")
		if id == "" {
			return
		}
		cells := tr.ChildrenFiltered("td")

		row := discovery.Row{
			ID:     id,
			Number: cleanText(cells.Eq(1).Text()),
			Floor:  cleanText(cells.Eq(2).Text()),
			Rooms:  leadingInt(cells.Eq(3).Text()),
		}
		if href, ok := cells.Eq(1).Find("a").First().Attr("href"); ok {
			row.URL = resolveLink(base, href)
		}
		rows = append(rows, row)
	})
	return rows, true
}

func resolveLink(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil || base == nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

// priorityState summarises the requests table.
type priorityState struct {
	MaxAssigned int
	Unset       int
}

func parsePriorities(doc *goquery.Document) priorityState {
	var st priorityState

	doc.Find(priorityInputs).Each(func(_ int, in *goquery.Selection) {
		v, _ := in.Attr("value")
		st.MaxAssigned = max(st.MaxAssigned, leadingInt(v))
	})
	doc.Find(markedInputs).Each(func(_ int, in *goquery.Selection) {
		v, _ := in.Attr("value")
		if strings.TrimSpace(v) == "" {
			st.Unset++
		}
	})
	return st
}

// authenticated reports whether doc is the private area: no login form, and
// either the participants' greeting or a link into the private pages.
// Error and maintenance pages carry neither.
func authenticated(doc *goquery.Document) bool {
	if doc.Find(passwordField).Length() > 0 {
		return false
	}
	if strings.Contains(doc.Text(), welcomeMarker) {
		return true
	}
	return doc.Find(privateLinks).Length() > 0
}
