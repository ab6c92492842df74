// Package didl builds and parses DIDL-Lite item metadata.
package didl

import (
	"encoding/xml"
	"fmt"
	"html"
	"strings"
)

const (
	ClassVideo = "object.item.videoItem"
	ClassAudio = "object.item.audioItem.musicTrack"
	ClassPhoto = "object.item.imageItem.photo"
)

// Item carries the fields the hub embeds in renderer metadata.
type Item struct {
	ID           string
	ParentID     string
	Title        string
	Class        string
	Creator      string
	ProtocolInfo string
	URL          string
}

// Build renders a single-item DIDL-Lite document.
func Build(item Item) string {
	parentID := item.ParentID
	if parentID == "" {
		parentID = "-1"
	}

	var buf strings.Builder
	buf.WriteString(`<DIDL-Lite xmlns:dc="http://purl.org/dc/elements/1.1/" xmlns:upnp="urn:schemas-upnp-org:metadata-1-0/upnp/" xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/">`)
	fmt.Fprintf(&buf, `<item id="%s" parentID="%s" restricted="1">`, escape(item.ID), escape(parentID))
	fmt.Fprintf(&buf, `<dc:title>%s</dc:title>`, escape(item.Title))
	if item.Creator != "" {
		fmt.Fprintf(&buf, `<dc:creator>%s</dc:creator>`, escape(item.Creator))
	}
	fmt.Fprintf(&buf, `<upnp:class>%s</upnp:class>`, escape(item.Class))
	if item.URL != "" {
		protocolInfo := item.ProtocolInfo
		if protocolInfo == "" {
			protocolInfo = "http-get:*:*:*"
		}
		fmt.Fprintf(&buf, `<res protocolInfo="%s">%s</res>`, escape(protocolInfo), escape(item.URL))
	}
	buf.WriteString("</item></DIDL-Lite>")
	return buf.String()
}

type document struct {
	XMLName xml.Name  `xml:"DIDL-Lite"`
	Items   []itemXML `xml:"item"`
}

type itemXML struct {
	ID    string   `xml:"id,attr"`
	Title string   `xml:"title"`
	Class string   `xml:"class"`
	Res   []resXML `xml:"res"`
}

type resXML struct {
	ProtocolInfo string `xml:"protocolInfo,attr"`
	URL          string `xml:",chardata"`
}

// Parse decodes the first item of a DIDL-Lite document. The input may be
// XML-escaped, as it is inside LastChange events and SOAP replies.
func Parse(metadata string) (*Item, error) {
	metadata = strings.TrimSpace(metadata)
	if metadata == "" {
		return nil, fmt.Errorf("empty metadata")
	}
	if !strings.HasPrefix(metadata, "<") {
		metadata = html.UnescapeString(metadata)
	}

	var doc document
	if err := xml.Unmarshal([]byte(metadata), &doc); err != nil {
		return nil, fmt.Errorf("parse didl: %w", err)
	}
	if len(doc.Items) == 0 {
		return nil, fmt.Errorf("no item in didl")
	}

	first := doc.Items[0]
	item := &Item{
		ID:    first.ID,
		Title: first.Title,
		Class: first.Class,
	}
	if len(first.Res) > 0 {
		item.ProtocolInfo = first.Res[0].ProtocolInfo
		item.URL = strings.TrimSpace(first.Res[0].URL)
	}
	return item, nil
}

func escape(value string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(value)); err != nil {
		return value
	}
	return b.String()
}
