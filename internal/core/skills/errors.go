package skills

import "errors"

// ErrBadRequest marks router failures the HTTP layer must surface as 400,
// per §4.6 ("on miss, fail with BadRequest").
var ErrBadRequest = errors.New("bad request")
