// Package resource bounds shared resources: memory budgets, background
// workers, and transfer bandwidth.
//
// A Controller is used in two places:
//
//   - the Host block strategy charges every block against a host-memory
//     budget, and reports exhaustion as an out-of-host-memory error;
//   - the software GPU keeps one Controller per memory heap and throttles its
//     transfer queue with the IO limiter to model a bus of finite bandwidth.
//
// A nil *Controller is valid and imposes no limits.
package resource
