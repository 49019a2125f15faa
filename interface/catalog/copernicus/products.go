package copernicus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	neturl "net/url"
	"strconv"
	"strings"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/wkt"

	"github.com/airbusgeo/s2-quicklook/common"
	"github.com/airbusgeo/s2-quicklook/service"
	"github.com/airbusgeo/s2-quicklook/service/log"
)

const (
	CopernicusODataURL = "https://catalogue.dataspace.copernicus.eu/odata/v1"
	DefaultCollection  = "SENTINEL-2"
	DefaultNameMarker  = "MSIL1C"
	DefaultPageSize    = 10
)

// Provider searches the Copernicus Data Space OData catalog
type Provider struct {
	BaseURL    string // Root of the OData API, CopernicusODataURL if empty
	Client     *http.Client
	Collection string // DefaultCollection if empty
	NameMarker string // Substring of the product name, DefaultNameMarker if empty
	PageSize   int    // DefaultPageSize if 0
}

func (p *Provider) baseURL() string {
	if p.BaseURL == "" {
		return CopernicusODataURL
	}
	return strings.TrimSuffix(p.BaseURL, "/")
}

func (p *Provider) pageSize() int {
	if p.PageSize <= 0 {
		return DefaultPageSize
	}
	return p.PageSize
}

// BuildFilter returns the OData $filter expression selecting the products matching the criteria.
// Cloud cover is compared with "le", dates are exclusive bounds of ContentDate/Start.
func (p *Provider) BuildFilter(c common.SearchCriteria) string {
	collection, marker := p.Collection, p.NameMarker
	if collection == "" {
		collection = DefaultCollection
	}
	if marker == "" {
		marker = DefaultNameMarker
	}
	point := wkt.MustEncode(geom.Point{c.Lon, c.Lat})
	cloud := strconv.FormatFloat(c.CloudRate, 'f', -1, 64)

	parameters := []string{
		fmt.Sprintf("Collection/Name eq '%s'", collection),
		fmt.Sprintf("contains(Name,'%s')", marker),
		"OData.CSC.Intersects(area=geography'SRID=4326;" + point + "')",
		fmt.Sprintf("Attributes/OData.CSC.DoubleAttribute/any(att:att/Name eq 'cloudCover' and att/OData.CSC.DoubleAttribute/Value le %s)", cloud),
		fmt.Sprintf("ContentDate/Start gt %sT00:00:00.000Z", common.Day(c.Start).Format("2006-01-02")),
		fmt.Sprintf("ContentDate/Start lt %sT00:00:00.000Z", common.Day(c.End).Format("2006-01-02")),
	}
	return strings.Join(parameters, " and ")
}

// SearchURL returns the url of the search request
func (p *Provider) SearchURL(c common.SearchCriteria) string {
	return fmt.Sprintf("%s/Products?$filter=%s&$top=%d", p.baseURL(), neturl.QueryEscape(p.BuildFilter(c)), p.pageSize())
}

type hit struct {
	ID   string `json:"Id"`
	Name string `json:"Name"`
}

// SearchProducts returns the first page of products matching the criteria.
// A response that cannot be decoded is an empty result.
func (p *Provider) SearchProducts(ctx context.Context, c common.SearchCriteria) ([]common.Product, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	url := p.SearchURL(c)
	log.Logger(ctx).Sugar().Debugf("[Copernicus] Search %s", url)

	body, err := service.GetBody(ctx, client, url)
	if err != nil {
		return nil, fmt.Errorf("Copernicus.SearchProducts: %w", service.NewFailure(common.StageSearch, err))
	}

	results := struct {
		Hits *[]hit `json:"value"`
	}{}
	if err := json.Unmarshal(body, &results); err != nil || results.Hits == nil {
		log.Logger(ctx).Sugar().Warnf("[Copernicus] unexpected search response: %.200s", body)
		return []common.Product{}, nil
	}

	products := make([]common.Product, 0, len(*results.Hits))
	for _, h := range *results.Hits {
		if h.ID == "" || h.Name == "" {
			continue
		}
		products = append(products, common.NewProduct(h.ID, h.Name))
		if len(products) == p.pageSize() {
			break
		}
	}
	return products, nil
}
