// Package scpd parses UPnP Service Control Point Definition documents and
// renders SOAP action arguments the way each renderer advertises them.
package scpd

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// Argument is one argument of a service action.
type Argument struct {
	Name                 string `xml:"name"`
	Direction            string `xml:"direction"`
	RelatedStateVariable string `xml:"relatedStateVariable"`
}

// IsIn reports whether the argument travels client-to-device.
func (a Argument) IsIn() bool {
	return strings.EqualFold(strings.TrimSpace(a.Direction), "in")
}

// Action is a named service action with its ordered argument list.
type Action struct {
	Name      string     `xml:"name"`
	Arguments []Argument `xml:"argumentList>argument"`
}

// AllowedValueRange is the min/max/step triple of a state variable, kept as
// strings because renderers put all sorts of things in here.
type AllowedValueRange struct {
	Min  string `xml:"minimum"`
	Max  string `xml:"maximum"`
	Step string `xml:"step"`
}

// StateVariable describes one service state variable.
type StateVariable struct {
	Name          string             `xml:"name"`
	DataType      string             `xml:"dataType"`
	AllowedValues []string           `xml:"allowedValueList>allowedValue"`
	Range         *AllowedValueRange `xml:"allowedValueRange"`
}

// Document is a parsed SCPD: the actions a service supports and its state
// variable table.
type Document struct {
	actions   map[string]*Action
	variables map[string]*StateVariable
}

type scpdXML struct {
	XMLName   xml.Name        `xml:"scpd"`
	Actions   []Action        `xml:"actionList>action"`
	Variables []StateVariable `xml:"serviceStateTable>stateVariable"`
}

// Parse decodes an SCPD XML document.
func Parse(payload []byte) (*Document, error) {
	var raw scpdXML
	if err := xml.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("parse scpd: %w", err)
	}

	doc := &Document{
		actions:   make(map[string]*Action, len(raw.Actions)),
		variables: make(map[string]*StateVariable, len(raw.Variables)),
	}
	for i := range raw.Actions {
		action := raw.Actions[i]
		doc.actions[action.Name] = &action
	}
	for i := range raw.Variables {
		variable := raw.Variables[i]
		doc.variables[variable.Name] = &variable
	}
	return doc, nil
}

// Action returns the named action, or nil if the service does not offer it.
func (d *Document) Action(name string) *Action {
	if d == nil {
		return nil
	}
	return d.actions[name]
}

// StateVariable returns the named state variable, or nil.
func (d *Document) StateVariable(name string) *StateVariable {
	if d == nil {
		return nil
	}
	return d.variables[name]
}

// BuildArgumentXML renders one In argument. The related state variable
// decides both the dt:dt data-type annotation and value substitution: when
// the variable enumerates allowed values, a commandParam matching one of
// them case-insensitively wins, otherwise the first enumerated value is
// sent. InstanceID is always "0". An unknown state variable yields a plain
// untyped element.
func (d *Document) BuildArgumentXML(arg Argument, value, commandParam string) string {
	if arg.Name == "InstanceID" {
		value = "0"
	}

	variable := d.StateVariable(arg.RelatedStateVariable)
	if variable == nil {
		return fmt.Sprintf("<%s>%s</%s>", arg.Name, escape(value), arg.Name)
	}

	if len(variable.AllowedValues) > 0 {
		chosen := variable.AllowedValues[0]
		for _, allowed := range variable.AllowedValues {
			if strings.EqualFold(allowed, commandParam) {
				chosen = allowed
				break
			}
		}
		value = chosen
	}

	return fmt.Sprintf(
		`<%s xmlns:dt="urn:schemas-microsoft-com:datatypes" dt:dt="%s">%s</%s>`,
		arg.Name, variable.DataType, escape(value), arg.Name,
	)
}

// BuildArgumentsXML renders every In argument of an action in declared
// order. values maps argument name to its value; the value doubles as the
// commandParam for enumeration matching. Out arguments are omitted.
func (d *Document) BuildArgumentsXML(action *Action, values map[string]string) string {
	var buf strings.Builder
	for _, arg := range action.Arguments {
		if !arg.IsIn() {
			continue
		}
		buf.WriteString(d.BuildArgumentXML(arg, values[arg.Name], values[arg.Name]))
	}
	return buf.String()
}

func escape(value string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(value)); err != nil {
		return value
	}
	return b.String()
}
