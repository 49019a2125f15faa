package common

import (
	"fmt"
	"strings"
)

// ExtensionSAFE is the suffix of a Sentinel product container
const ExtensionSAFE = ".SAFE"

// Constellation defines the kind of satellites
type Constellation int

const (
	Unknown   Constellation = iota
	Sentinel1               // MMM_BB_TTTR_LFPP_YYYYMMDDTHHMMSS_YYYMMDDTHHMMSS_OOOOOO_DDDDDD_CCCC.SAFE
	Sentinel2               // MMM_MSIXXX_YYYYMMDDTHHMMSS_Nxxyy_ROOO_Txxxxx_<Product Discriminator>.SAFE
)

// GetConstellationFromProductId returns the constellation of the product, given its name
func GetConstellationFromProductId(productName string) Constellation {
	if strings.HasPrefix(productName, "S1") {
		return Sentinel1
	}
	if strings.HasPrefix(productName, "S2") {
		return Sentinel2
	}
	return Unknown
}

// ContainerName returns the name of the product container (always ending with .SAFE)
func ContainerName(productName string) string {
	if strings.HasSuffix(productName, ExtensionSAFE) {
		return productName
	}
	return productName + ExtensionSAFE
}

// ProductType returns the product type token of a Sentinel-2 product name (e.g. MSIL1C, MSIL2A)
func ProductType(productName string) (string, error) {
	parts := strings.SplitN(productName, "_", 3)
	if len(parts) < 3 || !strings.HasPrefix(parts[1], "MSI") {
		return "", fmt.Errorf("ProductType: not a Sentinel-2 MSI product: %s", productName)
	}
	return parts[1], nil
}

// MetadataFileName returns the name of the XML descriptor at the root of the product container
func MetadataFileName(productName string) (string, error) {
	pt, err := ProductType(productName)
	if err != nil {
		return "", err
	}
	return "MTD_" + pt + ".xml", nil
}

// Info parses a Sentinel-2 product name (compact naming convention)
func Info(productName string) (map[string]string, error) {
	productName = strings.TrimSuffix(productName, ExtensionSAFE)
	if GetConstellationFromProductId(productName) != Sentinel2 {
		return nil, fmt.Errorf("Info: constellation not supported: %s", productName)
	}
	if len(productName) < len("MMM_MSIXXX_YYYYMMDDTHHMMSS_Nxxyy_ROOO_Txxxxx_<Product Disc.>") || productName[10] != '_' {
		return nil, fmt.Errorf("invalid Sentinel2 file name: %s", productName)
	}
	return map[string]string{
		"SCENE":         productName,
		"MISSION_ID":    productName[0:3],
		"PRODUCT_TYPE":  productName[4:10],
		"PRODUCT_LEVEL": productName[7:10],
		"DATE":          productName[11:19],
		"YEAR":          productName[11:15],
		"MONTH":         productName[15:17],
		"DAY":           productName[17:19],
		"TIME":          productName[20:26],
		"PDGS":          productName[28:32],
		"ORBIT":         productName[34:37],
		"TILE":          productName[38:44],
	}, nil
}
