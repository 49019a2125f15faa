package common

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// ErrMetadataSchema is returned when the product descriptor does not have the expected structure
var ErrMetadataSchema = errors.New("unexpected metadata structure")

// ErrMetadataProduct is returned when the product descriptor describes another product
var ErrMetadataProduct = errors.New("descriptor of another product")

// DefaultBands are the blue, green and red reflectance bands
var DefaultBands = []string{"B02", "B03", "B04"}

// BandAsset locates a band file inside a product container
type BandAsset struct {
	Band     string
	Segments []string // First segment is the product container name
}

// Filename returns the name of the band file
func (b BandAsset) Filename() string {
	if len(b.Segments) == 0 {
		return ""
	}
	return b.Segments[len(b.Segments)-1]
}

// NodeSegments returns the path inside the product container
func (b BandAsset) NodeSegments() []string {
	if len(b.Segments) < 2 {
		return nil
	}
	return b.Segments[1:]
}

// ProductMetadata is the subset of the user product descriptor (MTD_MSIL1C.xml, MTD_MSIL2A.xml) used to locate the bands
type ProductMetadata struct {
	ProductURI string // Name of the product container
	Granules   []Granule
}

// Granule is an entry of the Granule_List
type Granule struct {
	ID          string
	ImageFormat string
	ImageFiles  []string // Relative to the product container, without extension
}

type xmlUserProduct struct {
	XMLName     xml.Name
	GeneralInfo struct {
		ProductInfo struct {
			ProductURI string `xml:"PRODUCT_URI"`
			Granules   []struct {
				ID          string   `xml:"granuleIdentifier,attr"`
				ImageFormat string   `xml:"imageFormat,attr"`
				ImageFiles  []string `xml:"IMAGE_FILE"`
			} `xml:"Product_Organisation>Granule_List>Granule"`
		} `xml:"Product_Info"`
	} `xml:"General_Info"`
}

// ParseProductMetadata decodes a user product descriptor.
// Elements are found by name, whatever their namespace.
func ParseProductMetadata(r io.Reader) (ProductMetadata, error) {
	var doc xmlUserProduct
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return ProductMetadata{}, fmt.Errorf("ParseProductMetadata.Decode: %w", err)
	}
	info := doc.GeneralInfo.ProductInfo
	md := ProductMetadata{ProductURI: strings.TrimSpace(info.ProductURI)}
	for _, g := range info.Granules {
		granule := Granule{ID: g.ID, ImageFormat: g.ImageFormat}
		for _, f := range g.ImageFiles {
			if f = strings.TrimSpace(f); f != "" {
				granule.ImageFiles = append(granule.ImageFiles, f)
			}
		}
		md.Granules = append(md.Granules, granule)
	}
	if len(md.Granules) == 0 {
		return md, fmt.Errorf("ParseProductMetadata: no granule found: %w", ErrMetadataSchema)
	}
	return md, nil
}

// CheckProduct returns an ErrMetadataProduct if the descriptor belongs to another product.
// A descriptor without PRODUCT_URI is accepted.
func (md ProductMetadata) CheckProduct(containerName string) error {
	if md.ProductURI == "" || md.ProductURI == ContainerName(containerName) {
		return nil
	}
	return fmt.Errorf("CheckProduct: descriptor of %s, expecting %s: %w", md.ProductURI, containerName, ErrMetadataProduct)
}

// imageExtension returns the extension of the files of a granule, given its imageFormat attribute
func imageExtension(format string) string {
	switch strings.ToUpper(format) {
	case "GEOTIFF", "GTIFF":
		return ".tif"
	}
	return ".jp2"
}

// hasBandToken returns true if the file name (e.g. T35TPF_20230103T090351_B02 or T35TPF_20230103T090351_B02_10m) refers to the band
func hasBandToken(file, band string) bool {
	for _, token := range strings.Split(path.Base(file), "_") {
		if token == band {
			return true
		}
	}
	return false
}

// BandAssets returns, in the order of the requested bands, the location of the first image file of each band.
// containerName is the name of the product container (ending with .SAFE)
func (md ProductMetadata) BandAssets(containerName string, bands []string) ([]BandAsset, error) {
	assets := make([]BandAsset, 0, len(bands))
	for _, band := range bands {
		var found bool
		for _, g := range md.Granules {
			for _, f := range g.ImageFiles {
				if !hasBandToken(f, band) {
					continue
				}
				rel := f
				if path.Ext(rel) == "" {
					rel += imageExtension(g.ImageFormat)
				}
				assets = append(assets, BandAsset{
					Band:     band,
					Segments: strings.Split(containerName+"/"+strings.Trim(rel, "/"), "/"),
				})
				found = true
				break
			}
			if found {
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("BandAssets: band %s not found: %w", band, ErrMetadataSchema)
		}
	}
	return assets, nil
}
