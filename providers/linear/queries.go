package linear

const issueQuery = `query Issue($id: String!) {
  issue(id: $id) {
    id
    identifier
    title
    team { id }
    state { id name type }
  }
}`

const workflowStatesQuery = `query WorkflowStates($first: Int!, $after: String) {
  workflowStates(first: $first, after: $after) {
    nodes { id name type team { id } }
    pageInfo { hasNextPage endCursor }
  }
}`

const issueUpdateMutation = `mutation IssueUpdate($id: String!, $stateId: String!) {
  issueUpdate(id: $id, input: { stateId: $stateId }) {
    success
    issue {
      id
      identifier
      title
      team { id }
      state { id name type }
    }
  }
}`
