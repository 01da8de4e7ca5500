package resource

import "strings"

// SKUSpec is the published compute shape of an App Service plan tier
type SKUSpec struct {
	CPUCores  float64
	MemoryGB  float64
	StorageGB float64
}

var skuSpecs = map[string]SKUSpec{
	"F1":   {CPUCores: 1, MemoryGB: 1, StorageGB: 1},
	"D1":   {CPUCores: 1, MemoryGB: 1.75, StorageGB: 10},
	"B1":   {CPUCores: 1, MemoryGB: 1.75, StorageGB: 10},
	"B2":   {CPUCores: 2, MemoryGB: 3.5, StorageGB: 10},
	"B3":   {CPUCores: 4, MemoryGB: 7, StorageGB: 10},
	"S1":   {CPUCores: 1, MemoryGB: 1.75, StorageGB: 50},
	"S2":   {CPUCores: 2, MemoryGB: 3.5, StorageGB: 50},
	"S3":   {CPUCores: 4, MemoryGB: 7, StorageGB: 50},
	"P1V2": {CPUCores: 1, MemoryGB: 3.5, StorageGB: 250},
	"P2V2": {CPUCores: 2, MemoryGB: 7, StorageGB: 250},
	"P3V2": {CPUCores: 4, MemoryGB: 14, StorageGB: 250},
	"P1V3": {CPUCores: 2, MemoryGB: 8, StorageGB: 250},
	"P2V3": {CPUCores: 4, MemoryGB: 16, StorageGB: 250},
	"P3V3": {CPUCores: 8, MemoryGB: 32, StorageGB: 250},
}

// LookupSKU returns the spec of a SKU name (case-insensitive)
func LookupSKU(name string) (SKUSpec, bool) {
	spec, ok := skuSpecs[strings.ToUpper(strings.TrimSpace(name))]
	return spec, ok
}
