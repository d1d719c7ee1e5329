package domain

type OrderType string

const (
	OrderTypePickup   OrderType = "PICKUP"
	OrderTypeDelivery OrderType = "DELIVERY"
)

func (t OrderType) Valid() bool {
	return t == OrderTypePickup || t == OrderTypeDelivery
}

func (t OrderType) String() string {
	return string(t)
}

type SelectedModifier struct {
	GroupID    string `json:"group_id"`
	OptionName string `json:"option_name"`
	UnitPrice  Cents  `json:"unit_price"`
}

// CartLine is one priced menu item in the cart. Lines are read-only once
// checkout begins.
type CartLine struct {
	ItemID            string             `json:"item_id"`
	Name              string             `json:"name"`
	UnitPrice         Cents              `json:"unit_price"`
	Quantity          int                `json:"quantity"`
	SelectedModifiers []SelectedModifier `json:"selected_modifiers"`
	SpecialRequests   string             `json:"special_requests,omitempty"`
}

// UnitTotal is the unit price plus every selected modifier price.
func (l CartLine) UnitTotal() Cents {
	total := l.UnitPrice
	for _, m := range l.SelectedModifiers {
		total += m.UnitPrice
	}
	return total
}

// LineTotal is UnitTotal multiplied by quantity.
func (l CartLine) LineTotal() Cents {
	return l.UnitTotal() * Cents(l.Quantity)
}
