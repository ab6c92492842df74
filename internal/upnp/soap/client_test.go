package soap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const positionInfoReply = `<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
  <s:Body>
    <u:GetPositionInfoResponse xmlns:u="urn:schemas-upnp-org:service:AVTransport:1">
      <Track>1</Track>
      <TrackDuration>0:42:15</TrackDuration>
      <TrackMetaData>&lt;DIDL-Lite xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/"&gt;&lt;item id="abc123"&gt;&lt;res&gt;http://host/stream.mkv&lt;/res&gt;&lt;/item&gt;&lt;/DIDL-Lite&gt;</TrackMetaData>
      <TrackURI>http://host/stream.mkv</TrackURI>
      <RelTime>0:01:30</RelTime>
    </u:GetPositionInfoResponse>
  </s:Body>
</s:Envelope>`

const soapFaultReply = `<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
  <s:Body>
    <s:Fault>
      <faultcode>s:Client</faultcode>
      <faultstring>UPnPError</faultstring>
      <detail>
        <UPnPError xmlns="urn:schemas-upnp-org:control-1-0">
          <errorCode>718</errorCode>
          <errorDescription>Invalid InstanceID</errorDescription>
        </UPnPError>
      </detail>
    </s:Fault>
  </s:Body>
</s:Envelope>`

func testService(controlURL string) Service {
	return Service{
		Type:       ServiceTypeAVTransport,
		ControlURL: controlURL,
	}
}

func TestInvokeFlattensReply(t *testing.T) {
	var gotSOAPAction string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSOAPAction = r.Header.Get("SOAPACTION")
		w.Header().Set("Content-Type", "text/xml")
		w.Write([]byte(positionInfoReply))
	}))
	defer srv.Close()

	client := NewClient(5*time.Second, "TestAgent", "Test Hub")
	reply, err := client.Invoke(context.Background(), testService(srv.URL), "GetPositionInfo", "<InstanceID>0</InstanceID>", "")
	require.NoError(t, err)

	require.Equal(t, `"urn:schemas-upnp-org:service:AVTransport:1#GetPositionInfo"`, gotSOAPAction)
	require.Equal(t, "0:42:15", reply.Get("TrackDuration"))
	require.Equal(t, "0:01:30", reply.Get("RelTime"))
	require.Equal(t, "http://host/stream.mkv", reply.Get("TrackURI"))
	require.Greater(t, reply.RoundTrip, time.Duration(0))
}

func TestInvokeSendsDlnaHeaders(t *testing.T) {
	var gotContentFeatures, gotTransferMode string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentFeatures = r.Header.Get("contentFeatures.dlna.org")
		gotTransferMode = r.Header.Get("transferMode.dlna.org")
		w.Write([]byte(positionInfoReply))
	}))
	defer srv.Close()

	client := NewClient(5*time.Second, "TestAgent", "Test Hub")
	_, err := client.Invoke(context.Background(), testService(srv.URL), "SetAVTransportURI", "<InstanceID>0</InstanceID>", "DLNA.ORG_OP=01")
	require.NoError(t, err)

	require.Equal(t, "DLNA.ORG_OP=01", gotContentFeatures)
	require.Equal(t, "Streaming", gotTransferMode)
}

func TestInvokeSoapFault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(soapFaultReply))
	}))
	defer srv.Close()

	client := NewClient(5*time.Second, "TestAgent", "Test Hub")
	_, err := client.Invoke(context.Background(), testService(srv.URL), "Seek", "<InstanceID>0</InstanceID>", "")
	require.Error(t, err)

	rejected, ok := err.(*DeviceRejectedError)
	require.True(t, ok, "expected DeviceRejectedError, got %T", err)
	require.Equal(t, "718", rejected.Code)
	require.Equal(t, "Invalid InstanceID", rejected.Description)
}

func TestInvokeMalformedReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("this is not xml <<<"))
	}))
	defer srv.Close()

	client := NewClient(5*time.Second, "TestAgent", "Test Hub")
	_, err := client.Invoke(context.Background(), testService(srv.URL), "Play", "<InstanceID>0</InstanceID>", "")
	require.Error(t, err)
	_, ok := err.(*MalformedXMLError)
	require.True(t, ok, "expected MalformedXMLError, got %T", err)
}

func TestFetchXMLHeaders(t *testing.T) {
	var gotUserAgent, gotFriendlyName, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserAgent = r.Header.Get("User-Agent")
		gotFriendlyName = r.Header.Get("FriendlyName.dlna.org")
		gotAccept = r.Header.Get("Accept")
		w.Write([]byte("<root><device><friendlyName>TV</friendlyName></device></root>"))
	}))
	defer srv.Close()

	client := NewClient(5*time.Second, "TestAgent", "Test Hub")
	payload, err := client.FetchXML(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Contains(t, string(payload), "friendlyName")

	require.Equal(t, "TestAgent", gotUserAgent)
	require.Equal(t, "Test Hub", gotFriendlyName)
	require.Equal(t, "text/xml", gotAccept)
}

func TestFetchXMLRejectsGarbage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("404 page not found"))
	}))
	defer srv.Close()

	client := NewClient(5*time.Second, "TestAgent", "Test Hub")
	_, err := client.FetchXML(context.Background(), srv.URL)
	require.Error(t, err)
	_, ok := err.(*MalformedXMLError)
	require.True(t, ok)
}

func TestFlattenXMLNestedItemKeys(t *testing.T) {
	payload := []byte(`<DIDL-Lite xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/"><item id="42"><res protocolInfo="http-get:*:video/mp4:*">http://host/v.mp4</res></item></DIDL-Lite>`)

	values, err := flattenXML(payload)
	require.NoError(t, err)

	require.Equal(t, "42", values["item.id"])
	require.Equal(t, "http://host/v.mp4", values["res"])
	require.Equal(t, "http-get:*:video/mp4:*", values["res.protocolInfo"])
	require.Equal(t, "urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/", values["DIDL-Lite.xmlns"])
}

func TestSubscribeAndRenew(t *testing.T) {
	var gotCallback, gotNT, gotStateVar, gotRenewSID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "SUBSCRIBE", r.Method)
		if sid := r.Header.Get("SID"); sid != "" {
			gotRenewSID = sid
		} else {
			gotCallback = r.Header.Get("CALLBACK")
			gotNT = r.Header.Get("NT")
			gotStateVar = r.Header.Get("STATEVAR")
		}
		w.Header().Set("SID", "uuid:sub-1")
		w.Header().Set("TIMEOUT", "Second-60")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewSubscriptionClient(5*time.Second, "TestAgent")

	sid, timeout, err := client.Subscribe(context.Background(), srv.URL, "http://10.0.0.2:9200/Dlna/Eventing/abc", "", []string{"TransportState", "Volume"})
	require.NoError(t, err)
	require.Equal(t, "uuid:sub-1", sid)
	require.Equal(t, 60, timeout)
	require.Equal(t, "<http://10.0.0.2:9200/Dlna/Eventing/abc>", gotCallback)
	require.Equal(t, "upnp:event", gotNT)
	require.Equal(t, "TransportState,Volume", gotStateVar)

	_, _, err = client.Subscribe(context.Background(), srv.URL, "", "uuid:sub-1", nil)
	require.NoError(t, err)
	require.Equal(t, "uuid:sub-1", gotRenewSID)
}

func TestUnsubscribeBestEffort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "UNSUBSCRIBE", r.Method)
		w.WriteHeader(http.StatusPreconditionFailed)
	}))
	defer srv.Close()

	client := NewSubscriptionClient(5*time.Second, "TestAgent")
	require.NoError(t, client.Unsubscribe(context.Background(), srv.URL, "uuid:gone"))
}

func TestParseTimeout(t *testing.T) {
	require.Equal(t, 300, ParseTimeout("Second-300"))
	require.Equal(t, 86400, ParseTimeout("infinite"))
	require.Equal(t, 60, ParseTimeout("garbage"))
}
