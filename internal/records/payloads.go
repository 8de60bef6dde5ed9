package records

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvalidField indicates a typed payload failed its own validation.
var ErrInvalidField = errors.New("records: invalid field")

// InventoryItem is a warehouse supply valued at weighted average cost.
type InventoryItem struct {
	Name               string          `json:"name"`
	Category           string          `json:"category"`
	CurrentQuantity    float64         `json:"currentQuantity"`
	BaseUnit           string          `json:"baseUnit"`
	AverageCost        decimal.Decimal `json:"averageCost"`
	LastPurchasePrice  decimal.Decimal `json:"lastPurchasePrice"`
	LastPurchaseUnit   string          `json:"lastPurchaseUnit,omitempty"`
	MinStock           *float64        `json:"minStock,omitempty"`
	Description        string          `json:"description,omitempty"`
	ExpirationDate     string          `json:"expirationDate,omitempty"`
	SafetyIntervalDays *int            `json:"safetyIntervalDays,omitempty"`
}

// StockValue is the inventory valuation of the item.
func (item InventoryItem) StockValue() decimal.Decimal {
	return item.AverageCost.Mul(decimal.NewFromFloat(item.CurrentQuantity))
}

// Validate implements payloadValidator.
func (item InventoryItem) Validate() error {
	if item.Name == "" {
		return fmt.Errorf("%w: inventory name is required", ErrInvalidField)
	}
	if item.CurrentQuantity < 0 {
		return fmt.Errorf("%w: inventory quantity cannot be negative", ErrInvalidField)
	}
	return nil
}

// CostCenter is a lot or cost center of the farm.
type CostCenter struct {
	Name           string          `json:"name"`
	Area           float64         `json:"area"`
	ProductionArea float64         `json:"productionArea,omitempty"`
	Stage          string          `json:"stage"`
	CropType       string          `json:"cropType"`
	AssociatedCrop string          `json:"associatedCrop,omitempty"`
	Budget         decimal.Decimal `json:"budget"`
	PlantCount     int             `json:"plantCount,omitempty"`
}

// LaborLog is one payroll entry.
type LaborLog struct {
	Date           string          `json:"date"`
	PersonnelID    string          `json:"personnelId"`
	PersonnelName  string          `json:"personnelName"`
	ActivityID     string          `json:"activityId"`
	ActivityName   string          `json:"activityName"`
	CostCenterID   string          `json:"costCenterId"`
	CostCenterName string          `json:"costCenterName"`
	Value          decimal.Decimal `json:"value"`
	Paid           bool            `json:"paid"`
	HoursWorked    float64         `json:"hoursWorked,omitempty"`
	Notes          string          `json:"notes,omitempty"`
}

// Finance entry types.
const (
	FinanceIncome  = "INCOME"
	FinanceExpense = "EXPENSE"
)

// FinanceLog is an income or expense entry.
type FinanceLog struct {
	Date        string          `json:"date"`
	Type        string          `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Category    string          `json:"category"`
	Description string          `json:"description"`
}

// Validate implements payloadValidator.
func (log FinanceLog) Validate() error {
	if log.Type != FinanceIncome && log.Type != FinanceExpense {
		return fmt.Errorf("%w: finance type %q", ErrInvalidField, log.Type)
	}
	return nil
}

// PestLog is a sanitary observation on a lot.
type PestLog struct {
	CostCenterID  string `json:"costCenterId"`
	Date          string `json:"date"`
	PestOrDisease string `json:"pestOrDisease"`
	Incidence     string `json:"incidence"`
	Notes         string `json:"notes,omitempty"`
}

// Movement directions.
const (
	MovementIn  = "IN"
	MovementOut = "OUT"
)

// Movement is an inventory input or output.
type Movement struct {
	ItemID         string          `json:"itemId"`
	ItemName       string          `json:"itemName"`
	Type           string          `json:"type"`
	Quantity       float64         `json:"quantity"`
	Unit           string          `json:"unit"`
	CalculatedCost decimal.Decimal `json:"calculatedCost"`
	Date           string          `json:"date"`
	CostCenterID   string          `json:"costCenterId,omitempty"`
	SupplierID     string          `json:"supplierId,omitempty"`
	InvoiceNumber  string          `json:"invoiceNumber,omitempty"`
	Notes          string          `json:"notes,omitempty"`
}

// Validate implements payloadValidator.
func (m Movement) Validate() error {
	if m.Type != MovementIn && m.Type != MovementOut {
		return fmt.Errorf("%w: movement type %q", ErrInvalidField, m.Type)
	}
	if m.Quantity <= 0 {
		return fmt.Errorf("%w: movement quantity must be positive", ErrInvalidField)
	}
	return nil
}

// HarvestLog is a harvest entry for a lot.
type HarvestLog struct {
	CostCenterID   string          `json:"costCenterId"`
	CostCenterName string          `json:"costCenterName"`
	Date           string          `json:"date"`
	CropName       string          `json:"cropName"`
	Quantity       float64         `json:"quantity"`
	Unit           string          `json:"unit"`
	TotalValue     decimal.Decimal `json:"totalValue"`
	Notes          string          `json:"notes,omitempty"`
}
