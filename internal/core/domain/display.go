package domain

import "fmt"

type Color string

const (
	ColorRed   Color = "red"
	ColorGreen Color = "green"
)

// DisplayState is the full state pushed to a device display; devices render it as-is.
type DisplayState struct {
	Color         Color  `json:"color"`
	Quantity      *int   `json:"quantity"`
	Message       string `json:"message"`
	RequestNumber string `json:"requestNumber,omitempty"`
	LineNumber    int    `json:"lineNumber,omitempty"`
	ProductCode   string `json:"productCode,omitempty"`
}

const (
	MessageStandby = "Standby"
	MessageNoPick  = "No Pick"
)

func StandbyDisplay() DisplayState {
	return DisplayState{Color: ColorRed, Message: MessageStandby}
}

func NoPickDisplay() DisplayState {
	return DisplayState{Color: ColorRed, Message: MessageNoPick}
}

func PickDisplay(requestNumber string, li LineItem) DisplayState {
	qty := li.Quantity
	return DisplayState{
		Color:         ColorGreen,
		Quantity:      &qty,
		Message:       fmt.Sprintf("Pick %d", qty),
		RequestNumber: requestNumber,
		LineNumber:    li.LineNumber,
		ProductCode:   li.ProductCode,
	}
}
