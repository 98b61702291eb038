// Package bitcoin holds the node-facing collaborators of the miner: the
// JSON-RPC client, ZMQ block notifications and reward address decoding.
package bitcoin

import (
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/bardlex/gomine/pkg/errors"
)

// ParamsForNetwork maps a network name to its chain parameters.
func ParamsForNetwork(name string) (*chaincfg.Params, error) {
	switch strings.ToLower(name) {
	case "mainnet", "main", "":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, errors.Newf(errors.ErrorTypeValidation, "params_for_network",
			"unknown network %q", name)
	}
}

// PayToAddress decodes a base58check or bech32 address, verifying its
// checksum and network, and returns the output script paying to it.
func PayToAddress(address string, params *chaincfg.Params) ([]byte, error) {
	if address == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "decode_address", "reward address is empty").
			WithKind(errors.ErrInvalidAddress)
	}

	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "decode_address",
			"reward address failed to decode").
			WithKind(errors.ErrInvalidAddress).
			WithContext("address", address)
	}
	if !addr.IsForNet(params) {
		return nil, errors.Newf(errors.ErrorTypeValidation, "decode_address",
			"address is not for network %s", params.Name).
			WithKind(errors.ErrInvalidAddress).
			WithContext("address", address)
	}

	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "decode_address",
			"address has no standard output script").
			WithKind(errors.ErrInvalidAddress).
			WithContext("address", address)
	}
	return script, nil
}
