package catalog

import "github.com/JonMunkholm/feedloader/internal/mapping"

// Default table ids.
const (
	TableProductDefault = "product-default"
	TableMarketDefault  = "market-default"
)

// DefaultTables returns the built-in Russian/English column labels.
func DefaultTables() []*mapping.Table {
	return []*mapping.Table{
		mapping.NewTable(TableProductDefault, EntityProduct, "Products (RU/EN)", []mapping.Column{
			{Label: "Артикул", Field: ProductID},
			{Label: "Код товара", Field: ProductID},
			{Label: "Код", Field: ProductID},
			{Label: "SKU", Field: ProductID},
			{Label: "Article", Field: ProductID},

			{Label: "Модель", Field: ProductName},
			{Label: "Наименование", Field: ProductName},
			{Label: "Название", Field: ProductName},
			{Label: "Товар", Field: ProductName},
			{Label: "Name", Field: ProductName},
			{Label: "Model", Field: ProductName},
			{Label: "Product", Field: ProductName},

			{Label: "Бренд", Field: ProductBrand},
			{Label: "Производитель", Field: ProductBrand},
			{Label: "Brand", Field: ProductBrand},
			{Label: "Manufacturer", Field: ProductBrand},

			{Label: "Категория", Field: ProductCategory},
			{Label: "Раздел", Field: ProductCategory},
			{Label: "Category", Field: ProductCategory},

			{Label: "Цена", Field: ProductPrice},
			{Label: "Цена, руб", Field: ProductPrice},
			{Label: "Розничная цена", Field: ProductPrice},
			{Label: "Price", Field: ProductPrice},

			{Label: "Старая цена", Field: ProductOldPrice},
			{Label: "Цена до скидки", Field: ProductOldPrice},
			{Label: "Old price", Field: ProductOldPrice},

			{Label: "Остаток", Field: ProductQuantity},
			{Label: "Количество", Field: ProductQuantity},
			{Label: "Stock", Field: ProductQuantity},
			{Label: "Quantity", Field: ProductQuantity},

			{Label: "Ссылка", Field: ProductURL},
			{Label: "URL", Field: ProductURL},
			{Label: "Link", Field: ProductURL},

			{Label: "Штрихкод", Field: ProductBarcode},
			{Label: "EAN", Field: ProductBarcode},
			{Label: "Barcode", Field: ProductBarcode},

			{Label: "Активен", Field: ProductActive},
			{Label: "В продаже", Field: ProductActive},
			{Label: "Active", Field: ProductActive},

			{Label: "Дата обновления", Field: ProductUpdatedAt},
			{Label: "Обновлено", Field: ProductUpdatedAt},
			{Label: "Updated", Field: ProductUpdatedAt},
			{Label: "Updated at", Field: ProductUpdatedAt},
		}),

		mapping.NewTable(TableMarketDefault, EntityMarketData, "Market data (RU/EN)", []mapping.Column{
			{Label: "Артикул", Field: ProductID},
			{Label: "Код товара", Field: ProductID},
			{Label: "SKU", Field: ProductID},
			{Label: "Product ID", Field: ProductID},

			{Label: "Тип источника", Field: MarketSourceType},
			{Label: "Source type", Field: MarketSourceType},

			{Label: "Продавец", Field: MarketSeller},
			{Label: "Конкурент", Field: MarketSeller},
			{Label: "Магазин", Field: MarketSeller},
			{Label: "Seller", Field: MarketSeller},
			{Label: "Competitor", Field: MarketSeller},

			{Label: "Регион", Field: MarketRegion},
			{Label: "Город", Field: MarketRegion},
			{Label: "Region", Field: MarketRegion},

			{Label: "Цена", Field: MarketPrice},
			{Label: "Цена конкурента", Field: MarketPrice},
			{Label: "Price", Field: MarketPrice},

			{Label: "Цена по акции", Field: MarketPromoPrice},
			{Label: "Акционная цена", Field: MarketPromoPrice},
			{Label: "Promo price", Field: MarketPromoPrice},

			{Label: "Остаток", Field: MarketStock},
			{Label: "Наличие", Field: MarketStock},
			{Label: "Stock", Field: MarketStock},

			{Label: "Ссылка", Field: MarketURL},
			{Label: "URL", Field: MarketURL},

			{Label: "Дата", Field: MarketObservedAt},
			{Label: "Дата мониторинга", Field: MarketObservedAt},
			{Label: "Date", Field: MarketObservedAt},
			{Label: "Observed at", Field: MarketObservedAt},
		}),
	}
}
