package heal

import (
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// Element is one interactive element observed on the failing page.
type Element struct {
	Selector string `json:"selector"`
	Tag      string `json:"tag"`
	Text     string `json:"text,omitempty"`
	Type     string `json:"type,omitempty"`
}

// Inventory is the interactive-element census sent to the suggestion
// generator. Capped per category so the prompt stays bounded on large pages.
type Inventory struct {
	Inputs     []Element `json:"inputs,omitempty"`
	Buttons    []Element `json:"buttons,omitempty"`
	Links      []Element `json:"links,omitempty"`
	Clickables []Element `json:"clickables,omitempty"`
	Forms      []Element `json:"forms,omitempty"`
}

const (
	maxInputs     = 30
	maxButtons    = 20
	maxLinks      = 20
	maxClickables = 15
	maxForms      = 5
	maxText       = 60
)

// Context is the failure context handed to a Suggester.
type Context struct {
	URL           string    `json:"url"`
	Title         string    `json:"title"`
	FailedLocator string    `json:"failed_locator"`
	StepKind      string    `json:"step_kind"`
	ErrorMessage  string    `json:"error_message"`
	Elements      Inventory `json:"elements"`
	PageMarkdown  string    `json:"page_markdown,omitempty"`
}

// CollectContext parses the page HTML into a Context: the element inventory
// plus a sanitized markdown rendition of the page content. Parse failures
// yield an empty inventory, never an error — healing degrades, it does not
// break on malformed markup.
func CollectContext(url, title, failedLocator, stepKind, errMsg, pageHTML string) Context {
	c := Context{
		URL:           url,
		Title:         title,
		FailedLocator: failedLocator,
		StepKind:      stepKind,
		ErrorMessage:  errMsg,
	}
	c.Elements = ParseInventory(pageHTML)
	c.PageMarkdown = PageMarkdown(pageHTML)
	return c
}

// ParseInventory walks the document and collects interactive elements with a
// stable selector each.
func ParseInventory(pageHTML string) Inventory {
	var inv Inventory
	doc, err := html.Parse(strings.NewReader(pageHTML))
	if err != nil {
		return inv
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			el := Element{
				Selector: ElementSelector(n),
				Tag:      n.Data,
				Text:     truncate(nodeText(n), maxText),
				Type:     attr(n, "type"),
			}
			switch n.Data {
			case "input", "textarea", "select":
				if len(inv.Inputs) < maxInputs && attr(n, "type") != "hidden" {
					inv.Inputs = append(inv.Inputs, el)
				}
			case "button":
				if len(inv.Buttons) < maxButtons {
					inv.Buttons = append(inv.Buttons, el)
				}
			case "a":
				if len(inv.Links) < maxLinks && attr(n, "href") != "" {
					inv.Links = append(inv.Links, el)
				}
			case "form":
				if len(inv.Forms) < maxForms {
					el.Text = ""
					inv.Forms = append(inv.Forms, el)
				}
			default:
				// Elements carrying click handlers or button roles.
				if len(inv.Clickables) < maxClickables &&
					(attr(n, "onclick") != "" || attr(n, "role") == "button") {
					inv.Clickables = append(inv.Clickables, el)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return inv
}

// ElementSelector builds the most stable selector available for a node.
// Priority: #id, [data-testid], [data-cy], [name], then tag.classes.
func ElementSelector(n *html.Node) string {
	if id := attr(n, "id"); id != "" {
		return "#" + id
	}
	if v := attr(n, "data-testid"); v != "" {
		return `[data-testid="` + v + `"]`
	}
	if v := attr(n, "data-cy"); v != "" {
		return `[data-cy="` + v + `"]`
	}
	if v := attr(n, "name"); v != "" {
		return n.Data + `[name="` + v + `"]`
	}
	if cls := attr(n, "class"); cls != "" {
		parts := strings.Fields(cls)
		if len(parts) > 2 {
			parts = parts[:2]
		}
		return n.Data + "." + strings.Join(parts, ".")
	}
	return n.Data
}

// PageMarkdown sanitizes the HTML and converts it to markdown, trimmed to a
// prompt-friendly size. Returns "" on any failure.
func PageMarkdown(pageHTML string) string {
	clean := bluemonday.UGCPolicy().Sanitize(pageHTML)

	conv := converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
		),
	)
	md, err := conv.ConvertString(clean)
	if err != nil {
		return ""
	}
	md = strings.TrimSpace(md)
	const maxMarkdown = 4000
	if len(md) > maxMarkdown {
		md = md[:maxMarkdown]
	}
	return md
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// nodeText collects the direct text content of a node, whitespace-collapsed.
func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
			sb.WriteString(" ")
		}
		for cc := c.FirstChild; cc != nil; cc = cc.NextSibling {
			walk(cc)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
