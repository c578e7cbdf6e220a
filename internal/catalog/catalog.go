// Package catalog declares the entities feedloader imports and exports and
// their default column mappings.
package catalog

import (
	"errors"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/feedloader/internal/mapping"
)

// Entity types.
const (
	EntityProduct    mapping.EntityType = "product"
	EntityMarketData mapping.EntityType = "market_data"
)

// Product fields.
const (
	ProductID        = "productId"
	ProductName      = "productName"
	ProductBrand     = "productBrand"
	ProductCategory  = "productCategory"
	ProductPrice     = "productPrice"
	ProductOldPrice  = "productOldPrice"
	ProductQuantity  = "productQuantity"
	ProductURL       = "productUrl"
	ProductBarcode   = "productBarcode"
	ProductActive    = "productActive"
	ProductUpdatedAt = "productUpdatedAt"
)

// Market data fields. A market observation is a price seen for one of our
// products, either at a competitor or in a sales region.
const (
	MarketSourceType = "marketSourceType"
	MarketSeller     = "marketSeller"
	MarketRegion     = "marketRegion"
	MarketPrice      = "marketPrice"
	MarketPromoPrice = "marketPromoPrice"
	MarketStock      = "marketStock"
	MarketURL        = "marketUrl"
	MarketObservedAt = "marketObservedAt"
	MarketProductRef = "productRef"
)

// Market source types.
const (
	SourceCompetitor = "competitor"
	SourceRegion     = "region"
)

// Product returns the product schema. Products are keyed by their external
// id; rows without one are always inserted.
func Product() *mapping.EntitySchema {
	return mapping.NewEntitySchema(mapping.EntitySchema{
		Type:  EntityProduct,
		Label: "Products",
		Table: "products",
		Fields: []mapping.FieldSpec{
			{Name: ProductID, Label: "Product ID", Type: mapping.FieldText, Column: "external_id", Normalizer: NormalizeCode},
			{Name: ProductName, Label: "Name", Type: mapping.FieldText, Required: true, Normalizer: CollapseSpaces},
			{Name: ProductBrand, Label: "Brand", Type: mapping.FieldText, Normalizer: CollapseSpaces},
			{Name: ProductCategory, Label: "Category", Type: mapping.FieldText, Normalizer: CollapseSpaces},
			{Name: ProductPrice, Label: "Price", Type: mapping.FieldNumeric},
			{Name: ProductOldPrice, Label: "Old price", Type: mapping.FieldNumeric},
			{Name: ProductQuantity, Label: "Quantity", Type: mapping.FieldInteger},
			{Name: ProductURL, Label: "URL", Type: mapping.FieldText},
			{Name: ProductBarcode, Label: "Barcode", Type: mapping.FieldText, Normalizer: NormalizeBarcode},
			{Name: ProductActive, Label: "Active", Type: mapping.FieldBool},
			{Name: ProductUpdatedAt, Label: "Updated at", Type: mapping.FieldDateTime, Column: "source_updated_at"},
		},
		Key: []string{ProductID},
		Rule: func(r mapping.MappedRecord) error {
			if isNegative(r.Get(ProductPrice)) || isNegative(r.Get(ProductOldPrice)) {
				return &mapping.MappingError{Field: ProductPrice, Reason: "price must not be negative"}
			}
			if q, ok := r.Get(ProductQuantity).(int64); ok && q < 0 {
				return &mapping.MappingError{Field: ProductQuantity, Reason: "quantity must not be negative"}
			}
			return nil
		},
	})
}

// MarketData returns the market observation schema. Observations reference
// a product by its external id; productRef receives the internal id once the
// product is known.
func MarketData() *mapping.EntitySchema {
	return mapping.NewEntitySchema(mapping.EntitySchema{
		Type:  EntityMarketData,
		Label: "Market data",
		Table: "market_data",
		Fields: []mapping.FieldSpec{
			{Name: ProductID, Label: "Product ID", Type: mapping.FieldText, Required: true, Column: "product_external_id", Normalizer: NormalizeCode},
			{Name: MarketSourceType, Label: "Source type", Type: mapping.FieldEnum, Required: true, EnumValues: []string{SourceCompetitor, SourceRegion}, Column: "source_type"},
			{Name: MarketSeller, Label: "Seller", Type: mapping.FieldText, Column: "seller", Normalizer: CollapseSpaces},
			{Name: MarketRegion, Label: "Region", Type: mapping.FieldText, Column: "region", Normalizer: NormalizeRegion},
			{Name: MarketPrice, Label: "Price", Type: mapping.FieldNumeric, Required: true, Column: "price"},
			{Name: MarketPromoPrice, Label: "Promo price", Type: mapping.FieldNumeric, Column: "promo_price"},
			{Name: MarketStock, Label: "Stock", Type: mapping.FieldInteger, Column: "stock"},
			{Name: MarketURL, Label: "URL", Type: mapping.FieldText, Column: "url"},
			{Name: MarketObservedAt, Label: "Observed at", Type: mapping.FieldDateTime, Column: "observed_at"},
			{Name: MarketProductRef, Type: mapping.FieldInteger, Internal: true, Column: "product_ref"},
		},
		Key: []string{ProductID, MarketSourceType, MarketSeller, MarketRegion},
		Relation: &mapping.Relation{
			Field:  ProductID,
			Target: EntityProduct,
			Into:   MarketProductRef,
		},
		Rule: func(r mapping.MappedRecord) error {
			switch r.String(MarketSourceType) {
			case SourceCompetitor:
				if !r.Has(MarketSeller) {
					return &mapping.MappingError{Field: MarketSeller, Reason: "competitor observation needs a seller"}
				}
			case SourceRegion:
				if !r.Has(MarketRegion) {
					return &mapping.MappingError{Field: MarketRegion, Reason: "region observation needs a region"}
				}
			}
			if isNegative(r.Get(MarketPrice)) || isNegative(r.Get(MarketPromoPrice)) {
				return &mapping.MappingError{Field: MarketPrice, Reason: "price must not be negative"}
			}
			return nil
		},
	})
}

// Schemas returns every entity schema, products first so relations resolve
// against already registered entities.
func Schemas() []*mapping.EntitySchema {
	return []*mapping.EntitySchema{Product(), MarketData()}
}

// NewRegistry builds the registry from the built-in schemas and tables plus
// any extra tables, which take part in suggestion but never replace an
// entity's default table.
func NewRegistry(extra ...*mapping.Table) (*mapping.Registry, error) {
	tables := append(DefaultTables(), extra...)
	return mapping.NewRegistry(Schemas(), tables)
}

// PriceField returns the field holding the price of entity.
func PriceField(entity mapping.EntityType) (string, error) {
	switch entity {
	case EntityProduct:
		return ProductPrice, nil
	case EntityMarketData:
		return MarketPrice, nil
	}
	return "", errors.New("entity has no price field")
}

func isNegative(v any) bool {
	n, ok := v.(pgtype.Numeric)
	if !ok || !n.Valid || n.Int == nil {
		return false
	}
	return n.Int.Sign() < 0
}
