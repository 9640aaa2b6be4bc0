package sanitize

import (
	"strings"

	"golang.org/x/net/html"
)

// renderTable converts a small HTML table (the usual dataframe preview) to
// an aligned text table. It reports ok=false when the fragment is not a
// single table within the row/column thresholds, in which case the caller
// keeps the native representation.
func renderTable(fragment string, maxRows, maxCols int) (string, bool) {
	doc, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return "", false
	}
	tables := findAll(doc, "table")
	if len(tables) != 1 {
		return "", false
	}
	var rows [][]string
	for _, tr := range findAll(tables[0], "tr") {
		var row []string
		for _, cell := range findAll(tr, "th", "td") {
			row = append(row, strings.TrimSpace(text(cell)))
		}
		if len(row) > 0 {
			rows = append(rows, row)
		}
	}
	if len(rows) == 0 || len(rows) > maxRows {
		return "", false
	}
	cols := 0
	for _, row := range rows {
		if len(row) > cols {
			cols = len(row)
		}
	}
	if cols > maxCols {
		return "", false
	}

	widths := make([]int, cols)
	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	var b strings.Builder
	for r, row := range rows {
		for i := 0; i < cols; i++ {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			b.WriteString(cell)
			if i < cols-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-len(cell)+2))
			}
		}
		b.WriteByte('\n')
		// Separator under the header row.
		if r == 0 && len(rows) > 1 {
			for i, w := range widths {
				b.WriteString(strings.Repeat("-", w))
				if i < cols-1 {
					b.WriteString("  ")
				}
			}
			b.WriteByte('\n')
		}
	}
	return b.String(), true
}

func findAll(n *html.Node, names ...string) []*html.Node {
	var found []*html.Node
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode {
			for _, name := range names {
				if node.Data == name {
					found = append(found, node)
					return // do not descend into matched nodes
				}
			}
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c)
	}
	return found
}

func text(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
