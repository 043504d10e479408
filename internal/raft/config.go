package raft

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"raftdfs/internal/logging"
)

// Config holds the consensus parameters of a node
type Config struct {
	// ID of this node
	ID NodeID
	// Peers are the IDs of every other node in the cluster
	Peers []NodeID

	// ElectionTimeoutMin and ElectionTimeoutMax bound the randomized election timeout. A follower that hears nothing
	// from a leader for this long starts an election.
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration

	// HeartbeatInterval is the period of the leader's AppendEntries broadcast. It must be well below
	// ElectionTimeoutMin.
	HeartbeatInterval time.Duration

	// ElectionWait bounds how long a candidate waits for vote replies before tallying
	ElectionWait time.Duration

	// RPCTimeout is the maximum time to wait for a single AppendEntries RPC
	RPCTimeout time.Duration

	// MaxEntriesPerAppend caps how many log entries one AppendEntries carries
	MaxEntriesPerAppend int

	Logger logging.Logger
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		ElectionTimeoutMin:  300 * time.Millisecond,
		ElectionTimeoutMax:  600 * time.Millisecond,
		HeartbeatInterval:   100 * time.Millisecond,
		ElectionWait:        250 * time.Millisecond,
		RPCTimeout:          80 * time.Millisecond,
		MaxEntriesPerAppend: 64,
	}
}

func validateConfig(config *Config) error {
	if config.ID == "" {
		return errors.New("ID is required")
	}
	for _, p := range config.Peers {
		if p == config.ID {
			return fmt.Errorf("peer list must not contain the node itself (%s)", p)
		}
	}
	if config.ElectionTimeoutMin <= 0 || config.ElectionTimeoutMax < config.ElectionTimeoutMin {
		return fmt.Errorf("invalid election timeout range [%v, %v]", config.ElectionTimeoutMin, config.ElectionTimeoutMax)
	}
	if config.HeartbeatInterval <= 0 || config.HeartbeatInterval >= config.ElectionTimeoutMin {
		return errors.New("HeartbeatInterval must be positive and less than ElectionTimeoutMin")
	}
	if config.ElectionWait <= 0 || config.RPCTimeout <= 0 {
		return errors.New("ElectionWait and RPCTimeout must be positive")
	}
	if config.MaxEntriesPerAppend <= 0 {
		return errors.New("MaxEntriesPerAppend must be positive")
	}
	return nil
}

// randomElectionTimeout picks a timeout uniformly in [ElectionTimeoutMin, ElectionTimeoutMax]. Randomization keeps
// split votes rare.
func (c *Config) randomElectionTimeout() time.Duration {
	spread := int64(c.ElectionTimeoutMax - c.ElectionTimeoutMin)
	if spread <= 0 {
		return c.ElectionTimeoutMin
	}
	return c.ElectionTimeoutMin + time.Duration(rand.Int63n(spread+1))
}
