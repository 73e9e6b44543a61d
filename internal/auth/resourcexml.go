package auth

import (
	"encoding/xml"
	"fmt"

	"github.com/ohwgiles/NetworkManager-f5vpn/internal/f5err"
)

// resourceListXML is the shape of resource_list.xml. Each field here
// corresponds to a single fixed XPath query in the original implementation;
// encoding/xml struct tags address exactly the same fixed paths.
type resourceListXML struct {
	XMLName xml.Name `xml:"res"`
	Opts    struct {
		Opt []struct {
			Type string `xml:"type,attr"`
			URI  string `xml:"uri,attr"`
		} `xml:"opt"`
	} `xml:"opts"`
	Lists struct {
		List []struct {
			Type  string `xml:"type,attr"`
			Entry []struct {
				Param string `xml:"param,attr"`
				Value string `xml:",chardata"`
			} `xml:"entry"`
		} `xml:"list"`
	} `xml:"lists"`
}

// tunnelDescriptorRef is one network_access entry found in resource_list.xml:
// enough to build the per-tunnel detail request URL.
type tunnelDescriptorRef struct {
	DetailURL string
}

// parseResourceList decodes resource_list.xml and returns the per-tunnel
// detail URLs to fan out to, built as https://{host}{detail_uri}?{param}={value}
// for each <entry> under the network_access list, exactly as the original's
// XPath-driven loop does.
func parseResourceList(host string, body []byte) ([]tunnelDescriptorRef, error) {
	var doc resourceListXML
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, f5err.Parse("auth.parseResourceList", err.Error())
	}

	var detailURI string
	for _, opt := range doc.Opts.Opt {
		if opt.Type == "available_rq" {
			detailURI = opt.URI
			break
		}
	}
	if detailURI == "" {
		return nil, f5err.Parse("auth.parseResourceList", "missing available_rq opt uri")
	}

	var refs []tunnelDescriptorRef
	for _, list := range doc.Lists.List {
		if list.Type != "network_access" {
			continue
		}
		for _, entry := range list.Entry {
			if entry.Param == "" {
				continue
			}
			url := fmt.Sprintf("https://%s%s?%s=%s", host, detailURI, entry.Param, entry.Value)
			refs = append(refs, tunnelDescriptorRef{DetailURL: url})
		}
	}

	if len(refs) == 0 {
		return nil, f5err.Parse("auth.parseResourceList", "No valid tunnel descriptions found in resource list")
	}

	return refs, nil
}

// tunnelDetailXML is the shape of a single tunnel-detail response: a
// <resources><item>...</item></resources> document with id/caption/
// description/autolaunch as child elements of item, not attributes.
type tunnelDetailXML struct {
	XMLName xml.Name `xml:"resources"`
	Item    struct {
		ID          string `xml:"id"`
		Caption     string `xml:"caption"`
		Description string `xml:"description"`
		Autolaunch  string `xml:"autolaunch"`
		Favorite    struct {
			Object struct {
				UrZ         string `xml:"ur_Z"`
				TunnelHost0 string `xml:"tunnel_host0"`
				TunnelPort0 string `xml:"tunnel_port0"`
				DNS0        string `xml:"DNS0"`
				LAN0        string `xml:"LAN0"`
			} `xml:"object"`
		} `xml:"favorite"`
	} `xml:"item"`
}

// TunnelDescriptor is one network-access tunnel the gateway offers to this
// user, fully resolved from its detail response.
type TunnelDescriptor struct {
	ID          string
	Caption     string
	Description string
	Autolaunch  bool
	UrZ         string
	TunnelHost  string
	TunnelPort  string
	DNS0        string
	LAN0        string
}

// parseTunnelDetail decodes one tunnel-detail response. id, caption, and
// description are required, matching the original's assertion that all
// three must be non-null; autolaunch defaults to false when absent.
func parseTunnelDetail(body []byte) (TunnelDescriptor, error) {
	var doc tunnelDetailXML
	if err := xml.Unmarshal(body, &doc); err != nil {
		return TunnelDescriptor{}, f5err.Parse("auth.parseTunnelDetail", err.Error())
	}
	item := doc.Item
	if item.ID == "" || item.Caption == "" || item.Description == "" {
		return TunnelDescriptor{}, f5err.Parse("auth.parseTunnelDetail", "missing required res_id/res_caption/res_description")
	}
	return TunnelDescriptor{
		ID:          item.ID,
		Caption:     item.Caption,
		Description: item.Description,
		Autolaunch:  item.Autolaunch == "1",
		UrZ:         item.Favorite.Object.UrZ,
		TunnelHost:  item.Favorite.Object.TunnelHost0,
		TunnelPort:  item.Favorite.Object.TunnelPort0,
		DNS0:        item.Favorite.Object.DNS0,
		LAN0:        item.Favorite.Object.LAN0,
	}, nil
}
