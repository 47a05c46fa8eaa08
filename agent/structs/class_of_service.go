// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"strings"
)

const (
	// DefaultMaxMsgSize is the default tunnel fragment size.
	DefaultMaxMsgSize = 6144

	// DefaultWindowSize is the default send and receive window, counted in
	// fragments.
	DefaultWindowSize = 16

	// TunnelStreamVersion is the tunnel stream protocol version we speak.
	TunnelStreamVersion = 1
)

// CosFilter is a bit set naming the class of service facets a consumer
// cares about.
type CosFilter uint32

const (
	FilterCommon         CosFilter = 0x01
	FilterAuthentication CosFilter = 0x02
	FilterFlowControl    CosFilter = 0x04
	FilterDataIntegrity  CosFilter = 0x08
	FilterGuarantee      CosFilter = 0x10

	filterAll = FilterCommon | FilterAuthentication | FilterFlowControl | FilterDataIntegrity | FilterGuarantee
)

func (f CosFilter) Has(flag CosFilter) bool {
	return f&flag == flag
}

// Known reports whether f only contains defined facets.
func (f CosFilter) Known() bool {
	return f&^filterAll == 0
}

func (f CosFilter) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, x := range []struct {
		flag CosFilter
		name string
	}{
		{FilterCommon, "common"},
		{FilterAuthentication, "authentication"},
		{FilterFlowControl, "flow_control"},
		{FilterDataIntegrity, "data_integrity"},
		{FilterGuarantee, "guarantee"},
	} {
		if f.Has(x.flag) {
			parts = append(parts, x.name)
		}
	}
	if !f.Known() {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(f&^filterAll)))
	}
	return strings.Join(parts, "|")
}

type AuthenticationType uint8

const (
	AuthenticationNotRequired AuthenticationType = 0
	AuthenticationOmmLogin    AuthenticationType = 1
)

type FlowControlType uint8

const (
	FlowControlNone          FlowControlType = 0
	FlowControlBidirectional FlowControlType = 1
)

type DataIntegrityType uint8

const (
	DataIntegrityBestEffort DataIntegrityType = 0
	DataIntegrityReliable   DataIntegrityType = 1
)

type GuaranteeType uint8

const (
	GuaranteeNone            GuaranteeType = 0
	GuaranteePersistentQueue GuaranteeType = 1
)

func (t AuthenticationType) String() string {
	switch t {
	case AuthenticationNotRequired:
		return "not_required"
	case AuthenticationOmmLogin:
		return "omm_login"
	default:
		return fmt.Sprintf("authentication(%d)", uint8(t))
	}
}

func (t FlowControlType) String() string {
	switch t {
	case FlowControlNone:
		return "none"
	case FlowControlBidirectional:
		return "bidirectional"
	default:
		return fmt.Sprintf("flow_control(%d)", uint8(t))
	}
}

func (t DataIntegrityType) String() string {
	switch t {
	case DataIntegrityBestEffort:
		return "best_effort"
	case DataIntegrityReliable:
		return "reliable"
	default:
		return fmt.Sprintf("data_integrity(%d)", uint8(t))
	}
}

func (t GuaranteeType) String() string {
	switch t {
	case GuaranteeNone:
		return "none"
	case GuaranteePersistentQueue:
		return "persistent_queue"
	default:
		return fmt.Sprintf("guarantee(%d)", uint8(t))
	}
}

// ParseAuthenticationType accepts the names used in configuration files.
func ParseAuthenticationType(s string) (AuthenticationType, error) {
	switch strings.ToLower(s) {
	case "", "not_required", "none":
		return AuthenticationNotRequired, nil
	case "omm_login", "login":
		return AuthenticationOmmLogin, nil
	}
	return 0, fmt.Errorf("invalid authentication type %q", s)
}

func ParseFlowControlType(s string) (FlowControlType, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return FlowControlNone, nil
	case "bidirectional":
		return FlowControlBidirectional, nil
	}
	return 0, fmt.Errorf("invalid flow control type %q", s)
}

func ParseDataIntegrityType(s string) (DataIntegrityType, error) {
	switch strings.ToLower(s) {
	case "", "best_effort":
		return DataIntegrityBestEffort, nil
	case "reliable":
		return DataIntegrityReliable, nil
	}
	return 0, fmt.Errorf("invalid data integrity type %q", s)
}

func ParseGuaranteeType(s string) (GuaranteeType, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return GuaranteeNone, nil
	case "persistent_queue", "persistent":
		return GuaranteePersistentQueue, nil
	}
	return 0, fmt.Errorf("invalid guarantee type %q", s)
}

type CosCommon struct {
	MaxMsgSize           int
	ProtocolType         uint8
	ProtocolMajorVersion uint8
	ProtocolMinorVersion uint8
	StreamVersion        uint32
}

type CosAuthentication struct {
	Type AuthenticationType
}

// CosFlowControl windows are counted in fragments.
type CosFlowControl struct {
	Type           FlowControlType
	RecvWindowSize int
	SendWindowSize int
}

type CosDataIntegrity struct {
	Type DataIntegrityType
}

type CosGuarantee struct {
	Type GuaranteeType
}

// ClassOfService is the set of behaviours negotiated for a tunnel stream.
type ClassOfService struct {
	Common         CosCommon
	Authentication CosAuthentication
	FlowControl    CosFlowControl
	DataIntegrity  CosDataIntegrity
	Guarantee      CosGuarantee
}

// DefaultClassOfService returns best effort settings with default sizes.
func DefaultClassOfService() ClassOfService {
	var c ClassOfService
	c.Finalize()
	return c
}

// Finalize fills zero sizes with defaults.
func (c *ClassOfService) Finalize() {
	if c.Common.MaxMsgSize <= 0 {
		c.Common.MaxMsgSize = DefaultMaxMsgSize
	}
	if c.Common.StreamVersion == 0 {
		c.Common.StreamVersion = TunnelStreamVersion
	}
	if c.FlowControl.RecvWindowSize <= 0 {
		c.FlowControl.RecvWindowSize = DefaultWindowSize
	}
	if c.FlowControl.SendWindowSize <= 0 {
		c.FlowControl.SendWindowSize = DefaultWindowSize
	}
}

func (c ClassOfService) String() string {
	return fmt.Sprintf("maxMsgSize=%d authentication=%s flowControl=%s(recv=%d,send=%d) dataIntegrity=%s guarantee=%s",
		c.Common.MaxMsgSize, c.Authentication.Type, c.FlowControl.Type,
		c.FlowControl.RecvWindowSize, c.FlowControl.SendWindowSize,
		c.DataIntegrity.Type, c.Guarantee.Type)
}

// Filter returns the facets of c that differ from best effort defaults.
// Common properties are always included.
func (c ClassOfService) Filter() CosFilter {
	f := FilterCommon
	if c.Authentication.Type != AuthenticationNotRequired {
		f |= FilterAuthentication
	}
	if c.FlowControl.Type != FlowControlNone {
		f |= FilterFlowControl
	}
	if c.DataIntegrity.Type != DataIntegrityBestEffort {
		f |= FilterDataIntegrity
	}
	if c.Guarantee.Type != GuaranteeNone {
		f |= FilterGuarantee
	}
	return f
}
