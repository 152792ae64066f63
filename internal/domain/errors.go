// SPDX-License-Identifier: Apache-2.0

package domain

import "errors"

// ErrNotFound marks a resource, table item, job or dispute that does not exist on the ledger.
var ErrNotFound = errors.New("not found")

// ErrRateLimited is returned once throttling backoff is exhausted.
var ErrRateLimited = errors.New("ledger rate limited")

// ErrMalformedUpstreamData marks a payload that was present but could not be parsed.
var ErrMalformedUpstreamData = errors.New("malformed upstream data")

// ErrUndetermined is the explicit "could not determine" signal for a projection.
var ErrUndetermined = errors.New("projection could not be determined")
