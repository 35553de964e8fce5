// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package random

import (
	"encoding/base32"

	"github.com/pborman/uuid"
)

const charset = "ybndrfg8ejkmcpqxot1uwisza345h769"

var encoding = base32.NewEncoding(charset).WithPadding(base32.NoPadding)

// NewID returns a globally unique identifier: a z-base-32 encoded UUIDv4, 26
// characters long. Used to identify participants that never configured an
// explicit user id.
func NewID() string {
	return encoding.EncodeToString(uuid.NewRandom())
}
