package soap

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Client handles SOAP control requests and description fetches for DLNA
// renderers.
type Client struct {
	httpClient   *http.Client
	timeout      time.Duration
	userAgent    string
	friendlyName string
}

// NewClient creates a SOAP client with the given timeout.
// Uses connection pooling for better performance when making multiple requests.
func NewClient(timeout time.Duration, userAgent, friendlyName string) *Client {
	return &Client{
		timeout:      timeout,
		userAgent:    userAgent,
		friendlyName: friendlyName,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: timeout}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// FetchXML performs an HTTP GET with UPnP-conforming headers and returns the
// body after verifying it is well-formed XML.
func (c *Client) FetchXML(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.setCommonHeaders(req)
	req.Header.Set("Accept", "text/xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &DeviceTimeoutError{Action: "GET " + url}
		}
		return nil, &DeviceUnreachableError{Action: "GET " + url, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, &DeviceUnreachableError{
			Action: "GET " + url,
			Err:    fmt.Errorf("http %d", resp.StatusCode),
		}
	}

	if err := checkWellFormed(payload); err != nil {
		return nil, &MalformedXMLError{Source: url, Err: err}
	}
	return payload, nil
}

// Invoke sends a SOAP 1.1 action to a service control URL. argsXML is the
// pre-rendered argument XML produced by the action schema. The optional
// contentFeatures value is sent as the contentFeatures.dlna.org header
// together with transferMode.dlna.org: Streaming.
func (c *Client) Invoke(ctx context.Context, service Service, action, argsXML, contentFeatures string) (*Reply, error) {
	body := buildEnvelope(service.Type, action, argsXML)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, service.ControlURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.setCommonHeaders(req)
	req.Header.Set("Content-Type", "text/xml; charset=\"utf-8\"")
	req.Header.Set("SOAPACTION", fmt.Sprintf("\"%s#%s\"", service.Type, action))
	if contentFeatures != "" {
		req.Header.Set("contentFeatures.dlna.org", contentFeatures)
		req.Header.Set("transferMode.dlna.org", "Streaming")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &DeviceTimeoutError{Action: action}
		}
		return nil, &DeviceUnreachableError{Action: action, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		code, desc := parseSoapFault(payload)
		if code != "" || desc != "" {
			return nil, &DeviceRejectedError{Action: action, Code: code, Description: desc}
		}
		return nil, fmt.Errorf("action %s failed: http %d", action, resp.StatusCode)
	}

	values, err := flattenXML(payload)
	if err != nil {
		return nil, &MalformedXMLError{Source: action, Err: err}
	}

	return &Reply{Values: values, RoundTrip: elapsed}, nil
}

func (c *Client) setCommonHeaders(req *http.Request) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.friendlyName != "" {
		req.Header.Set("FriendlyName.dlna.org", c.friendlyName)
	}
}

func buildEnvelope(serviceType, action, argsXML string) []byte {
	var buf strings.Builder
	buf.WriteString("<?xml version=\"1.0\" encoding=\"utf-8\"?>")
	buf.WriteString("<s:Envelope xmlns:s=\"http://schemas.xmlsoap.org/soap/envelope/\" s:encodingStyle=\"http://schemas.xmlsoap.org/soap/encoding/\">")
	buf.WriteString("<s:Body>")
	buf.WriteString("<m:")
	buf.WriteString(action)
	buf.WriteString(" xmlns:m=\"")
	buf.WriteString(serviceType)
	buf.WriteString("\">")
	buf.WriteString(argsXML)
	buf.WriteString("</m:")
	buf.WriteString(action)
	buf.WriteString(">")
	buf.WriteString("</s:Body>")
	buf.WriteString("</s:Envelope>")
	return []byte(buf.String())
}

// EscapeXML escapes a value for use as XML character data.
func EscapeXML(input string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(input)); err != nil {
		return input
	}
	return b.String()
}

func parseSoapFault(payload []byte) (string, string) {
	decoder := xml.NewDecoder(bytes.NewReader(payload))
	var code string
	var desc string

	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		switch se := tok.(type) {
		case xml.StartElement:
			switch se.Name.Local {
			case "errorCode":
				var value string
				if err := decoder.DecodeElement(&value, &se); err == nil {
					code = strings.TrimSpace(value)
				}
			case "errorDescription", "faultstring":
				var value string
				if err := decoder.DecodeElement(&value, &se); err == nil && desc == "" {
					desc = strings.TrimSpace(value)
				}
			}
		}
	}

	return code, desc
}

// Flatten walks an XML document and collects character data into a map
// keyed by local element name. Children additionally get a "parent.local"
// key (item.id, res.protocolInfo style) and attributes an "elem.attr" key
// (Mute.val style) so reply and event payloads stay addressable without
// per-document structs. Duplicate keys take the last value.
func Flatten(payload []byte) (map[string]string, error) {
	return flattenXML(payload)
}

func flattenXML(payload []byte) (map[string]string, error) {
	decoder := xml.NewDecoder(bytes.NewReader(payload))
	decoder.Strict = false

	values := make(map[string]string)
	var stack []string

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			stack = append(stack, t.Name.Local)
			for _, attr := range t.Attr {
				key := t.Name.Local + "." + attr.Name.Local
				values[key] = attr.Value
			}
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			text := strings.TrimSpace(string(t))
			if text == "" || len(stack) == 0 {
				continue
			}
			local := stack[len(stack)-1]
			values[local] = text
			if len(stack) >= 2 {
				values[stack[len(stack)-2]+"."+local] = text
			}
		}
	}

	if len(values) == 0 {
		return nil, fmt.Errorf("empty document")
	}
	return values, nil
}

func checkWellFormed(payload []byte) error {
	decoder := xml.NewDecoder(bytes.NewReader(payload))
	seen := false
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if _, ok := tok.(xml.StartElement); ok {
			seen = true
		}
	}
	if !seen {
		return fmt.Errorf("no root element")
	}
	return nil
}
