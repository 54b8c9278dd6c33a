package tokens

import (
	"fmt"
	"sort"
)

// Catalog maps billing product ids to the credit amount they grant.
type Catalog struct {
	credits  map[ProductID]CreditAmount
	products []ProductID
}

// NewCatalog builds a catalog from raw product-id to credit-amount pairs.
func NewCatalog(entries map[string]int64) (Catalog, error) {
	if len(entries) == 0 {
		return Catalog{}, fmt.Errorf("%w: no products", ErrInvalidCatalog)
	}
	credits := make(map[ProductID]CreditAmount, len(entries))
	products := make([]ProductID, 0, len(entries))
	for rawProductID, rawAmount := range entries {
		productID, err := NewProductID(rawProductID)
		if err != nil {
			return Catalog{}, err
		}
		amount, err := NewCreditAmount(rawAmount)
		if err != nil {
			return Catalog{}, fmt.Errorf("%w: product %s: %v", ErrInvalidCatalog, productID, err)
		}
		credits[productID] = amount
		products = append(products, productID)
	}
	// Checkout sessions list products smallest pack first.
	sort.Slice(products, func(i, j int) bool {
		if credits[products[i]] != credits[products[j]] {
			return credits[products[i]] < credits[products[j]]
		}
		return products[i].String() < products[j].String()
	})
	return Catalog{credits: credits, products: products}, nil
}

// DefaultCatalog returns the production credit packs.
func DefaultCatalog() Catalog {
	catalog, err := NewCatalog(map[string]int64{
		"7de2cf42-ca66-4669-b7dd-8c5ba1a50137": 3,
		"8e2f8241-6edd-4a4a-ae5a-ed58fd031509": 5,
		"ef1408e3-d305-4c99-9ab3-84d3cd777845": 10,
	})
	if err != nil {
		panic(err)
	}
	return catalog
}

// CreditsFor resolves a product id to its credit amount.
func (catalog Catalog) CreditsFor(productID ProductID) (CreditAmount, bool) {
	amount, known := catalog.credits[productID]
	return amount, known
}

// ProductIDs returns the purchasable products in stable order.
func (catalog Catalog) ProductIDs() []ProductID {
	products := make([]ProductID, len(catalog.products))
	copy(products, catalog.products)
	return products
}

// Size returns the number of configured products.
func (catalog Catalog) Size() int {
	return len(catalog.products)
}
