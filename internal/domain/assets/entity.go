package assets

// ID tipe untuk Asset
type AssetID string

// Kind enum
type Kind string

const (
	KindURL       Kind = "url"
	KindDomain    Kind = "domain"
	KindIP        Kind = "ip"
	KindLogSource Kind = "log_source"
)

// Asset identifies a scan target. Assets are created by the asset-management
// layer and are immutable for the duration of a scan.
type Asset struct {
	ID       AssetID `json:"id"`
	TenantID string  `json:"tenant_id"`
	Kind     Kind    `json:"kind"`
	Value    string  `json:"value"`
	Verified bool    `json:"verified"`
}
