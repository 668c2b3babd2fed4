// Package team implements the Team Coordinator: a leader model delegating
// tasks to member agents over a bounded number of rounds.
//
//	ANALYZE -> DELEGATE -> EVALUATE -> (SELECT_MEMBER -> DELEGATE -> EVALUATE)* -> COMPLETE
//
// The leader is an agent.Agent constrained to a Decision output schema. It
// reads the team session but never writes to it; members run as ephemeral
// agent runs and only see the team session when ShareSessionWithMembers is
// set. Member failures and unknown members are reported back to the leader
// in the next round instead of failing the team run. When MaxRounds is
// reached without a completion the team returns its best partial result
// with a DelegationLimitExceeded warning.
package team
