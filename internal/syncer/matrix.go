package syncer

import (
	"time"

	"azure-cost/pkg/platform"
)

// ServicesToSync covers the major service families in the upstream catalog.
var ServicesToSync = []string{
	"Virtual Machines",
	"Storage",
	"SQL Database",
	"Azure Cosmos DB",
	"Azure App Service",
	"Container Instances",
	"Azure Kubernetes Service",
	"Azure Functions",
	"Bandwidth",
	"Load Balancer",
	"VPN Gateway",
	"Azure DNS",
	"Azure Firewall",
	"Azure Cache for Redis",
	"Azure Database for PostgreSQL",
	"Azure Database for MySQL",
	"Cognitive Services",
	"Azure Monitor",
	"Key Vault",
	"Azure Active Directory",
	"Event Hubs",
	"Service Bus",
	"Azure Blob Storage",
	"Content Delivery Network",
	"Azure DevOps",
	"Azure Machine Learning",
	"Azure Synapse Analytics",
}

// RegionsToSync is the top regions by catalog size.
var RegionsToSync = []string{
	"eastus", "eastus2", "westus", "westus2", "westus3",
	"centralus", "northeurope", "westeurope", "uksouth",
	"southeastasia", "eastasia", "japaneast",
	"australiaeast", "canadacentral", "centralindia",
	"brazilsouth", "koreacentral", "francecentral",
	"germanywestcentral", "southafricanorth",
}

// CurrenciesToSync are the currencies requested during the full matrix walk.
var CurrenciesToSync = []string{"USD", "INR", "EUR", "GBP"}

// QuickSyncServices is the subset used for fast manual verification.
var QuickSyncServices = []string{
	"Virtual Machines", "Storage", "SQL Database", "Bandwidth", "Azure App Service",
}

// Quick sync fetches in USD so its rows land directly on the USD query
// surface and are visible to the read side immediately.
const (
	QuickSyncRegion   = "centralindia"
	QuickSyncCurrency = "USD"
)

// Config tunes the pipeline. The zero value is not usable; start from
// DefaultConfig.
type Config struct {
	Services   []string
	Regions    []string
	Currencies []string

	QuickServices []string
	QuickRegion   string
	QuickCurrency string

	// CombinationDelay spaces out upstream calls to respect rate limits.
	CombinationDelay time.Duration

	// StaleAfter is how long a row may go unobserved before a completed
	// full sync marks it inactive.
	StaleAfter time.Duration
}

// DefaultConfig returns the production matrix: daily cadence, rows tolerated
// missing for three consecutive syncs before deactivation.
func DefaultConfig() *Config {
	return &Config{
		Services:         ServicesToSync,
		Regions:          RegionsToSync,
		Currencies:       CurrenciesToSync,
		QuickServices:    QuickSyncServices,
		QuickRegion:      QuickSyncRegion,
		QuickCurrency:    QuickSyncCurrency,
		CombinationDelay: platform.GetEnvDuration("SYNC_COMBINATION_DELAY", 100*time.Millisecond),
		StaleAfter:       platform.GetEnvDuration("SYNC_STALE_AFTER", 72*time.Hour),
	}
}
