// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package tunnel

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/hashicorp/feedmux/agent/structs"
)

// ValidateFilter checks the facets a consumer insists on.
func ValidateFilter(filter structs.CosFilter) error {
	if !filter.Known() {
		return fmt.Errorf("%w: unknown class of service filter %s", structs.ErrCosNegotiation, filter)
	}
	if !filter.Has(structs.FilterCommon) {
		return fmt.Errorf("%w: filter must include common properties", structs.ErrCosNegotiation)
	}
	return nil
}

// Negotiate matches a requested class of service against what the provider
// supports for the domain. Every facet named by filter must match exactly;
// facets outside it take the provider's values. The message size is the
// smaller of both and window sizes are always the provider's own.
func Negotiate(requested structs.ClassOfService, filter structs.CosFilter, supported structs.ClassOfService) (structs.ClassOfService, error) {
	if err := ValidateFilter(filter); err != nil {
		return structs.ClassOfService{}, err
	}
	requested.Finalize()
	supported.Finalize()

	var result error
	if requested.Common.StreamVersion > supported.Common.StreamVersion {
		result = multierror.Append(result, fmt.Errorf("stream version %d is not supported, provider speaks %d",
			requested.Common.StreamVersion, supported.Common.StreamVersion))
	}
	if requested.Common.ProtocolType != 0 && supported.Common.ProtocolType != 0 &&
		requested.Common.ProtocolType != supported.Common.ProtocolType {
		result = multierror.Append(result, fmt.Errorf("protocol type %d does not match %d",
			requested.Common.ProtocolType, supported.Common.ProtocolType))
	}
	if filter.Has(structs.FilterAuthentication) && requested.Authentication.Type != supported.Authentication.Type {
		result = multierror.Append(result, fmt.Errorf("authentication %s does not match %s",
			requested.Authentication.Type, supported.Authentication.Type))
	}
	if filter.Has(structs.FilterFlowControl) && requested.FlowControl.Type != supported.FlowControl.Type {
		result = multierror.Append(result, fmt.Errorf("flow control %s does not match %s",
			requested.FlowControl.Type, supported.FlowControl.Type))
	}
	if filter.Has(structs.FilterDataIntegrity) && requested.DataIntegrity.Type != supported.DataIntegrity.Type {
		result = multierror.Append(result, fmt.Errorf("data integrity %s does not match %s",
			requested.DataIntegrity.Type, supported.DataIntegrity.Type))
	}
	if filter.Has(structs.FilterGuarantee) && requested.Guarantee.Type != supported.Guarantee.Type {
		result = multierror.Append(result, fmt.Errorf("guarantee %s does not match %s",
			requested.Guarantee.Type, supported.Guarantee.Type))
	}
	if result != nil {
		return structs.ClassOfService{}, fmt.Errorf("%w: %v", structs.ErrCosNegotiation, result)
	}

	negotiated := supported
	if requested.Common.MaxMsgSize < negotiated.Common.MaxMsgSize {
		negotiated.Common.MaxMsgSize = requested.Common.MaxMsgSize
	}
	return negotiated, nil
}
